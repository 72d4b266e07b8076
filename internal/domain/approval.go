package domain

import "time"

// ApprovalStatus is the state of a production gate approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// Approval is one human checkpoint bound to a (run, environment)
// pair. Resolution happens through the control-plane API; the apply
// executor only observes blocked vs proceeding.
type Approval struct {
	ApprovalID  string
	RunID       string
	Environment string
	Status      ApprovalStatus
	RequestedAt time.Time
	RequestedBy string
	DecidedAt   *time.Time
	DecidedBy   string
	Reason      string
}
