package replbox

import (
	"context"
	"strings"
	"time"
)

// Runner executes one code submission against the persistent state of a
// session. Implementations must be safe for concurrent use; submissions
// for the same session are serialized by the implementation, submissions
// for distinct sessions may run in parallel.
type Runner interface {
	// Run executes req and returns the outcome. Classified execution
	// failures (syntax errors, denied capabilities, exhausted budgets,
	// timeouts) are reported inside the Result, not as the error return.
	// The error return is reserved for infrastructure failures such as
	// an unavailable workspace root or a canceled context.
	Run(ctx context.Context, req Request) (Result, error)
}

// Request is one unit of work: a snippet of code bound to a session.
type Request struct {
	// SessionID names the session whose state the code runs against.
	// It must not contain the wire delimiter '|'.
	SessionID string `json:"session_id"`
	// Code is the Starlark source to execute. Arbitrary text, newlines
	// and '|' included.
	Code string `json:"code"`
	// Timeout is the maximum wall-clock execution duration.
	// Zero means use the runner default.
	Timeout time.Duration `json:"-"`
}

// Result is the outcome of one submission.
type Result struct {
	// Output is everything the code printed, plus the echoed value when
	// the submission was a single non-None expression.
	Output string `json:"output"`
	// Fault is the classified failure. Nil on success.
	Fault *Fault `json:"fault,omitempty"`
	// Artifacts are workspace-relative names of recognized files found in
	// the session directory after a successful run, in report order.
	Artifacts []string `json:"artifacts,omitempty"`
	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`
	// Steps is the number of interpreter computation steps consumed.
	Steps uint64 `json:"steps"`
}

// Text renders the result as wire response text. Failures render through
// Fault.Wire. A success whose trimmed output is empty substitutes
// SuccessNoOutput so the response is never blank.
func (r Result) Text() string {
	if r.Fault != nil {
		return r.Fault.Wire()
	}
	if strings.TrimSpace(r.Output) == "" {
		return SuccessNoOutput
	}
	return r.Output
}
