// Package scanner runs the static security scanner over the working
// directory. Soft-fail by contract: the scanner's own exit code never
// fails the pipeline; its combined output is always captured.
package scanner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeFindings Outcome = "findings"
	OutcomeError    Outcome = "error"
)

// Report is the informational result of one scan. It never gates the
// run regardless of Outcome.
type Report struct {
	Outcome  Outcome
	Passed   int
	Failed   int
	ExitCode int
	Output   string
}

type runCommandFunc func(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error)

type Scanner struct {
	binary  string
	args    []string
	workDir string
	run     runCommandFunc
}

func New(binary string, args []string, workDir string) (*Scanner, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("scanner binary is required")
	}
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil, errors.New("work dir is required")
	}
	return &Scanner{
		binary:  binary,
		args:    args,
		workDir: workDir,
		run:     runCommand,
	}, nil
}

// Scan captures combined stdout+stderr regardless of the scanner's
// exit code. The only error returned is a context cancellation or a
// failure to start the process at all — and even that is folded into
// an error-outcome report so callers can keep going.
func (s *Scanner) Scan(ctx context.Context) Report {
	out, exitCode, err := s.run(ctx, s.workDir, s.binary, s.args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return Report{Outcome: OutcomeError, ExitCode: exitCode, Output: output}
	}

	passed, failed, ok := parseCheckCounts(output)
	report := Report{
		Passed:   passed,
		Failed:   failed,
		ExitCode: exitCode,
		Output:   output,
	}
	switch {
	case !ok && exitCode != 0:
		report.Outcome = OutcomeError
	case failed > 0:
		report.Outcome = OutcomeFindings
	default:
		report.Outcome = OutcomePassed
	}
	return report
}

var checkCountRe = regexp.MustCompile(`Passed checks:\s*(\d+).*?Failed checks:\s*(\d+)`)

func parseCheckCounts(output string) (passed int, failed int, ok bool) {
	match := checkCountRe.FindStringSubmatch(strings.ReplaceAll(output, "\n", " "))
	if match == nil {
		return 0, 0, false
	}
	passed, _ = strconv.Atoi(match[1])
	failed, _ = strconv.Atoi(match[2])
	return passed, failed, true
}

func runCommand(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}
