// Package replbox is a stateful remote code-execution service for agent
// systems in Go.
//
// Clients submit snippets of Starlark code tagged with a session identifier
// over a persistent TCP connection. Each snippet runs against that session's
// accumulated state, so variables bound in one submission are visible in
// later submissions to the same session. Every session owns a workspace
// directory on disk for input files and generated artifacts.
//
// # Quick Start
//
// Run a server:
//
//	sessions := session.NewRegistry()
//	workspaces, _ := workspace.NewManager("./workspaces")
//	runner := interp.New(sessions, workspaces)
//
//	srv := server.New(runner, server.WithAddr(":9999"))
//	_ = srv.ListenAndServe(ctx)
//
// Talk to it:
//
//	c, _ := client.Dial(ctx, "localhost:9999")
//	out, _ := c.Submit(ctx, "x = 40")
//	out, _ = c.Submit(ctx, "print(x + 2)") // "42"
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Runner] — executes one submission against a session's state
//   - [Request], [Result] — the submission contract and its outcome
//   - [Fault] — classified execution failure with the wire "Error: " format
//   - [SourceGuard] — optional pre-execution static scan of submitted code
//
// The frame codec ([EncodeRequest], [SplitRequest], [ScanFrames]) implements
// the textual wire protocol: `session_id|code` requests and sentinel-framed
// responses.
//
// # Included Implementations
//
// Execution: interp (embedded Starlark with step, heap, and deadline bounds).
// Sessions: session (registry with per-session serialization), workspace
// (per-session directories and artifact scanning).
// Transport: server (TCP), client (persistent-connection client).
// Audit: audit/sqlite (local), audit/postgres (shared).
// Observability: observer (OpenTelemetry traces, metrics, logs).
// Hardening: hardening (Landlock filesystem restriction on Linux).
//
// See cmd/replboxd for the server binary and cmd/replbox for an interactive
// client.
package replbox
