// Package notify posts and refreshes merge-request status comments.
// Each report category owns exactly one comment per merge request,
// identified by an invisible marker in the body. The (MR, category)
// mapping is recomputed by scanning the note list on every upsert, so
// the notifier carries no state across runs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Category names one report comment per merge request.
type Category string

const (
	CategoryPlanReport     Category = "plan-report"
	CategorySecurityReport Category = "security-report"
)

// Action reports what an upsert did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Marker is the hidden identity tag embedded in every comment body.
func Marker(category Category) string {
	return fmt.Sprintf("<!-- zonepilot:%s -->", category)
}

type Notifier struct {
	client CommentClient
	// botUsername, when set, restricts marker matching to comments
	// authored by the automation identity.
	botUsername string
	logger      *slog.Logger
}

func NewNotifier(client CommentClient, botUsername string, logger *slog.Logger) (*Notifier, error) {
	if client == nil {
		return nil, errors.New("comment client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:      client,
		botUsername: strings.TrimSpace(botUsername),
		logger:      logger,
	}, nil
}

// Upsert writes the category's report comment on the merge request:
// the first matching comment is updated in place, otherwise a new one
// is created. Safe to call any number of times with the same inputs.
func (n *Notifier) Upsert(ctx context.Context, mergeRequestIID int64, category Category, body string) (Action, error) {
	if mergeRequestIID <= 0 {
		return "", errors.New("merge request iid is required")
	}
	marker := Marker(category)
	if !strings.Contains(body, marker) {
		body = marker + "\n\n" + body
	}

	comments, err := n.client.ListComments(ctx, mergeRequestIID)
	if err != nil {
		return "", fmt.Errorf("upsert %s comment: %w", category, err)
	}
	for _, comment := range comments {
		if comment.System {
			continue
		}
		if n.botUsername != "" && comment.Author.Username != n.botUsername {
			continue
		}
		if !strings.Contains(comment.Body, marker) {
			continue
		}
		if _, err := n.client.UpdateComment(ctx, mergeRequestIID, comment.ID, body); err != nil {
			return "", fmt.Errorf("upsert %s comment: %w", category, err)
		}
		n.logger.Info("status comment updated",
			"merge_request_iid", mergeRequestIID,
			"category", string(category),
			"comment_id", comment.ID,
		)
		return ActionUpdated, nil
	}

	created, err := n.client.CreateComment(ctx, mergeRequestIID, body)
	if err != nil {
		return "", fmt.Errorf("upsert %s comment: %w", category, err)
	}
	n.logger.Info("status comment created",
		"merge_request_iid", mergeRequestIID,
		"category", string(category),
		"comment_id", created.ID,
	)
	return ActionCreated, nil
}
