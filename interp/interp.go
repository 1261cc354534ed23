// Package interp executes submitted code against persistent session state.
//
// The interpreter is embedded Starlark: submissions share one goroutine
// space with the server, so containment rests on the interpreter having no
// ambient process or network capability, plus per-run budgets for steps,
// heap growth, and wall-clock time. Disabled capabilities are present as
// stub builtins that fail with the fixed denial texts, preserving the
// error contract agents already match on.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/session"
	"github.com/nevindra/replbox/workspace"
)

// sourceName is the pseudo-filename Starlark diagnostics carry.
const sourceName = "input.star"

// Defaults for the per-run budgets.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultStepBudget = uint64(1 << 31)
	DefaultHeapBudget = uint64(4096 << 20)
	DefaultOutputCap  = 1 << 20
)

// heapInterval is how often the watchdog samples heap growth.
const heapInterval = 100 * time.Millisecond

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a structured logger for the runner.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTimeout sets the default wall-clock limit per submission.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithStepBudget caps interpreter computation steps per submission.
// Zero disables the cap.
func WithStepBudget(n uint64) Option {
	return func(r *Runner) { r.steps = n }
}

// WithHeapBudget caps per-run heap growth in bytes, enforced best-effort
// by watchdog sampling. Zero disables the cap.
func WithHeapBudget(n uint64) Option {
	return func(r *Runner) { r.heapBudget = n }
}

// WithOutputCap limits captured output bytes per submission. Output past
// the cap is silently dropped. Zero disables the cap.
func WithOutputCap(n int) Option {
	return func(r *Runner) { r.outputCap = n }
}

// WithRecursion allows recursive function calls in submitted code. Off by
// default: unbounded recursion grows the Go stack past recovery, so the
// daemon keeps it disabled and rejects recursive calls as eval faults.
func WithRecursion(enabled bool) Option {
	return func(r *Runner) { r.recursion = enabled }
}

// Runner executes submissions against registry-held session globals with
// workspace-scoped file access. It implements replbox.Runner.
type Runner struct {
	sessions   *session.Registry
	workspaces *workspace.Manager

	logger     *slog.Logger
	timeout    time.Duration
	steps      uint64
	heapBudget uint64
	outputCap  int
	recursion  bool
}

var _ replbox.Runner = (*Runner)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Runner over the given session registry and workspace
// manager.
func New(sessions *session.Registry, workspaces *workspace.Manager, opts ...Option) *Runner {
	r := &Runner{
		sessions:   sessions,
		workspaces: workspaces,
		logger:     nopLogger,
		timeout:    DefaultTimeout,
		steps:      DefaultStepBudget,
		heapBudget: DefaultHeapBudget,
		outputCap:  DefaultOutputCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run acquires the session, ensures its workspace, and executes the code
// under the configured budgets. Execution failures come back classified
// inside the Result; the error return is reserved for an unusable session
// or workspace and for context cancellation.
func (r *Runner) Run(ctx context.Context, req replbox.Request) (replbox.Result, error) {
	start := time.Now()

	// Workspace first: an identifier that cannot map to a directory must
	// not leave an entry in the registry.
	dir, err := r.workspaces.Ensure(req.SessionID)
	if err != nil {
		return replbox.Result{}, fmt.Errorf("prepare workspace: %w", err)
	}

	sess, err := r.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return replbox.Result{}, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Release()

	timeout := r.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	res, err := r.execute(ctx, sess.Globals, req.Code, dir, timeout)
	if err != nil {
		return replbox.Result{}, err
	}
	res.Duration = time.Since(start)

	if res.Fault == nil {
		names, scanErr := workspace.Scan(dir)
		if scanErr != nil {
			r.logger.Warn("interp: artifact scan failed", "session_id", req.SessionID, "error", scanErr)
		}
		res.Artifacts = names
	}

	r.logger.Debug("interp: submission finished",
		"session_id", req.SessionID,
		"duration", res.Duration,
		"steps", res.Steps,
		"fault", faultKind(res.Fault),
		"artifacts", len(res.Artifacts))
	return res, nil
}

func faultKind(f *replbox.Fault) string {
	if f == nil {
		return ""
	}
	return string(f.Kind)
}

// cancelCause records why the watchdog canceled the Starlark thread, so
// classification does not depend on interpreter message strings.
type cancelCause int32

const (
	causeNone cancelCause = iota
	causeDeadline
	causeHeap
	causeContext
)

// execute runs one submission on a fresh Starlark thread. The returned
// error is non-nil only when ctx ended the run.
func (r *Runner) execute(ctx context.Context, globals starlark.StringDict, code, dir string, timeout time.Duration) (replbox.Result, error) {
	out := &limitedWriter{limit: r.outputCap}

	thread := &starlark.Thread{
		Name: "exec",
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteString("\n")
		},
	}
	if r.steps > 0 {
		thread.SetMaxExecutionSteps(r.steps)
	}

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       r.recursion,
	}
	seed(globals, r.predeclared(dir))

	var cause atomic.Int32
	done := make(chan struct{})
	go watch(ctx, thread, timeout, r.heapBudget, &cause, done)

	evalErr := run(opts, thread, globals, code, out)
	close(done)

	res := replbox.Result{
		Output: out.String(),
		Steps:  thread.ExecutionSteps(),
	}
	if evalErr != nil {
		if cancelCause(cause.Load()) == causeContext {
			return replbox.Result{}, ctx.Err()
		}
		res.Fault = classify(evalErr, cancelCause(cause.Load()))
	}
	return res, nil
}

// seed installs the capability surface into the session globals on first
// use. Existing bindings are never overwritten, so user shadowing sticks.
func seed(globals, predeclared starlark.StringDict) {
	for name, v := range predeclared {
		if _, ok := globals[name]; !ok {
			globals[name] = v
		}
	}
}

// run parses and evaluates one submission. A submission that parses as a
// single expression is evaluated exactly once and its non-None value is
// echoed; anything else executes as a REPL chunk against the session
// globals, so bindings persist without freezing.
func run(opts *syntax.FileOptions, thread *starlark.Thread, globals starlark.StringDict, code string, out *limitedWriter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	f, parseErr := opts.Parse(sourceName, code, 0)
	if parseErr != nil {
		return parseErr
	}

	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExprOptions(opts, thread, expr, globals)
		if err != nil {
			return err
		}
		if v != starlark.None {
			out.WriteString(v.String())
			out.WriteString("\n")
		}
		return nil
	}

	return starlark.ExecREPLChunk(f, thread, globals)
}

// soleExpr returns the expression when the parsed submission is exactly
// one expression statement, which is the echo case.
func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// classify maps an execution error to its Fault. Watchdog cancellations
// classify by recorded cause; builtin denials surface through EvalError
// unwrapping; parse and resolve failures are syntax faults.
func classify(err error, cause cancelCause) *replbox.Fault {
	var fault *replbox.Fault
	if errors.As(err, &fault) {
		return fault
	}

	switch cause {
	case causeDeadline:
		return &replbox.Fault{Kind: replbox.FaultTimeout}
	case causeHeap:
		return &replbox.Fault{Kind: replbox.FaultResource, Detail: "heap budget exceeded"}
	}

	if strings.Contains(err.Error(), "Starlark computation cancelled: too many steps") {
		return &replbox.Fault{Kind: replbox.FaultResource, Detail: "step budget exhausted"}
	}

	var serr syntax.Error
	if errors.As(err, &serr) {
		return replbox.Faultf(replbox.FaultSyntax, "%s", serr.Error())
	}
	var rlist resolve.ErrorList
	if errors.As(err, &rlist) {
		return replbox.Faultf(replbox.FaultSyntax, "%s", rlist.Error())
	}
	var rerr resolve.Error
	if errors.As(err, &rerr) {
		return replbox.Faultf(replbox.FaultSyntax, "%s", rerr.Error())
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return replbox.Faultf(replbox.FaultEval, "%s", evalErr.Msg)
	}
	return replbox.Faultf(replbox.FaultEval, "%s", err.Error())
}

// watch cancels the thread when the wall clock runs out, heap growth
// exceeds its budget, or ctx ends. Heap sampling is best-effort: the
// process-wide memory limit remains the hard backstop.
func watch(ctx context.Context, thread *starlark.Thread, timeout time.Duration, heapBudget uint64, cause *atomic.Int32, done <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var heapC <-chan time.Time
	var baseline uint64
	if heapBudget > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		baseline = ms.HeapAlloc
		ticker := time.NewTicker(heapInterval)
		defer ticker.Stop()
		heapC = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-timer.C:
			cause.Store(int32(causeDeadline))
			thread.Cancel("deadline exceeded")
			return
		case <-ctx.Done():
			cause.Store(int32(causeContext))
			thread.Cancel("context done")
			return
		case <-heapC:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > baseline && ms.HeapAlloc-baseline > heapBudget {
				cause.Store(int32(causeHeap))
				thread.Cancel("heap budget exceeded")
				return
			}
		}
	}
}

// limitedWriter caps captured output; writes past the limit are silently
// dropped.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) WriteString(s string) {
	if w.limit > 0 {
		remaining := w.limit - w.buf.Len()
		if remaining <= 0 {
			return
		}
		if len(s) > remaining {
			s = s[:remaining]
		}
	}
	w.buf.WriteString(s)
}

func (w *limitedWriter) String() string { return w.buf.String() }
