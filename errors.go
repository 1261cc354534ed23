package replbox

import "fmt"

// FaultKind classifies an execution failure. Kinds are part of the wire
// contract: callers match on the "Error: <Kind>:" prefix of a response.
type FaultKind string

const (
	FaultProtocol   FaultKind = "ProtocolError"
	FaultSyntax     FaultKind = "SyntaxError"
	FaultEval       FaultKind = "EvalError"
	FaultCapability FaultKind = "CapabilityDenied"
	FaultResource   FaultKind = "ResourceExceeded"
	FaultTimeout    FaultKind = "Timeout"
)

// Fixed wire texts. Agents match these strings verbatim, so they must
// never change shape.
const (
	// SuccessNoOutput replaces an empty success output.
	SuccessNoOutput = "Success: Code executed with no output."
	// BadMessage answers a frame that carries no delimiter.
	BadMessage = "Error: Invalid message format. Expected 'session_id|code'."
	// TimedOut is the complete response text for a wall-clock timeout.
	TimedOut = "Error: Execution timed out"

	// DeniedSystem and DeniedNetwork are the details of capability faults
	// raised by the disabled builtins.
	DeniedSystem  = "system/subprocess operations disabled for security"
	DeniedNetwork = "network operations disabled for security"
)

// Fault is a classified execution failure. It implements error so it can
// travel through interpreter callbacks and be recovered with errors.As.
type Fault struct {
	Kind   FaultKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

// Wire renders the caller-visible response text. Timeouts collapse to the
// fixed TimedOut message; every other kind renders "Error: <Kind>: <detail>".
func (f *Fault) Wire() string {
	if f.Kind == FaultTimeout {
		return TimedOut
	}
	return "Error: " + f.Error()
}

// Faultf builds a Fault with a formatted detail.
func Faultf(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
