// Package server implements the TCP front end of the execution service.
//
// A client sends frames of the form "session_id|code", optionally
// terminated by the "<|EOM|>" sentinel; the server answers every frame
// with a sentinel-terminated result and keeps the connection open for
// further frames until the peer closes it. Malformed frames are answered
// with a protocol error on the same connection.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/audit"
)

// Defaults applied by New unless overridden by options.
const (
	DefaultAddr          = ":9999"
	DefaultMaxConns      = 64
	DefaultMaxConcurrent = 4
	DefaultMaxFrame      = 4 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the TCP listen address used by ListenAndServe.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets a structured logger for the server.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGuard installs a source guard consulted before every execution.
// A rejected submission is answered with the guard's fault text and
// never reaches the runner.
func WithGuard(g replbox.Checker) Option {
	return func(s *Server) { s.guard = g }
}

// WithAudit installs an audit store that records every answered frame.
// Record failures are logged and never affect the response.
func WithAudit(st audit.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMaxConns caps the number of simultaneous connections. Connections
// over the cap are answered with a protocol error and closed.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// WithMaxConcurrent caps the number of executions running at once.
// Submissions over the cap wait for a slot instead of being rejected;
// the protocol has no busy signal a client could act on.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) { s.maxConcurrent = n }
}

// WithMaxFrame caps the size in bytes of a single request frame.
// An oversized frame is a protocol error and closes the connection,
// since the stream position is lost once the cap is hit.
func WithMaxFrame(n int) Option {
	return func(s *Server) { s.maxFrame = n }
}

// Server accepts TCP connections and feeds decoded frames to a Runner.
type Server struct {
	runner replbox.Runner
	guard  replbox.Checker
	store  audit.Store
	logger *slog.Logger

	addr          string
	maxConns      int
	maxConcurrent int
	maxFrame      int

	conns chan struct{}
	sem   chan struct{}
	wg    sync.WaitGroup
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Server around runner.
func New(runner replbox.Runner, opts ...Option) *Server {
	s := &Server{
		runner:        runner,
		logger:        nopLogger,
		addr:          DefaultAddr,
		maxConns:      DefaultMaxConns,
		maxConcurrent: DefaultMaxConcurrent,
		maxFrame:      DefaultMaxFrame,
	}
	for _, o := range opts {
		o(s)
	}
	s.conns = make(chan struct{}, s.maxConns)
	s.sem = make(chan struct{}, s.maxConcurrent)
	return s
}

// ListenAndServe listens on the configured address and serves until ctx
// is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then closes the
// listener, closes active connections, and waits for their handlers.
// It returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server: listening",
		"addr", ln.Addr().String(),
		"max_conns", s.maxConns,
		"max_concurrent", s.maxConcurrent)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			s.logger.Warn("server: accept failed", "error", err)
			continue
		}

		select {
		case s.conns <- struct{}{}:
		default:
			s.logger.Warn("server: connection limit reached", "remote_addr", conn.RemoteAddr().String())
			f := &replbox.Fault{Kind: replbox.FaultProtocol, Detail: "connection limit reached"}
			_, _ = conn.Write(replbox.EncodeResponse(f.Wire()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.conns }()
			s.handle(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.logger.Info("server: stopped")
	return nil
}

// handle reads frames from one connection until the peer closes it, a
// read fails, or ctx is canceled.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Info("server: connection accepted", "remote_addr", remote)

	// A handler blocked in Scan cannot see ctx; closing the connection
	// unblocks it during shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	// The scanner only reports ErrTooLong when it has to grow past the
	// cap, so the initial buffer must not already exceed it.
	bufSize := 64 * 1024
	if bufSize > s.maxFrame {
		bufSize = s.maxFrame
	}
	sc.Buffer(make([]byte, 0, bufSize), s.maxFrame)
	sc.Split(replbox.ScanFrames)

	for sc.Scan() {
		s.serveFrame(ctx, conn, remote, sc.Text())
		if ctx.Err() != nil {
			return
		}
	}

	switch err := sc.Err(); {
	case err == nil:
		s.logger.Info("server: connection closed", "remote_addr", remote)
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn("server: frame too large", "remote_addr", remote, "max_frame", s.maxFrame)
		f := &replbox.Fault{Kind: replbox.FaultProtocol, Detail: "frame exceeds maximum size"}
		s.respond(conn, remote, f.Wire())
	case ctx.Err() != nil:
		// Shutdown closed the connection under the reader.
	default:
		s.logger.Warn("server: read failed", "remote_addr", remote, "error", err)
	}
}

// serveFrame decodes one frame, runs it, and answers on conn.
func (s *Server) serveFrame(ctx context.Context, conn net.Conn, remote, frame string) {
	sessionID, code, ok := replbox.SplitRequest(frame)
	if !ok {
		s.logger.Warn("server: malformed message", "remote_addr", remote)
		s.respond(conn, remote, replbox.BadMessage)
		s.record(ctx, audit.Entry{
			Code:       frame,
			Response:   replbox.BadMessage,
			FaultKind:  replbox.FaultProtocol,
			RemoteAddr: remote,
		})
		return
	}

	s.logger.Info("server: executing submission",
		"session_id", sessionID,
		"remote_addr", remote,
		"code", "\n"+numberLines(code))

	if s.guard != nil {
		if err := s.guard.Check(code); err != nil {
			text := faultText(err)
			s.respond(conn, remote, text)
			s.record(ctx, audit.Entry{
				SessionID:  sessionID,
				Code:       code,
				Response:   text,
				FaultKind:  faultKind(err),
				RemoteAddr: remote,
			})
			return
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	res, err := s.runner.Run(ctx, replbox.Request{SessionID: sessionID, Code: code})
	<-s.sem

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("server: runner failed", "session_id", sessionID, "error", err)
		f := &replbox.Fault{Kind: replbox.FaultProtocol, Detail: err.Error()}
		s.respond(conn, remote, f.Wire())
		s.record(ctx, audit.Entry{
			SessionID:  sessionID,
			Code:       code,
			Response:   f.Wire(),
			FaultKind:  f.Kind,
			RemoteAddr: remote,
		})
		return
	}

	text := res.Text()
	s.respond(conn, remote, text)

	var kind replbox.FaultKind
	if res.Fault != nil {
		kind = res.Fault.Kind
	}
	s.logger.Info("server: submission finished",
		"session_id", sessionID,
		"duration", res.Duration,
		"steps", res.Steps,
		"fault", string(kind))
	s.record(ctx, audit.Entry{
		SessionID:  sessionID,
		Code:       code,
		Response:   text,
		FaultKind:  kind,
		Artifacts:  res.Artifacts,
		Duration:   res.Duration,
		Steps:      res.Steps,
		RemoteAddr: remote,
	})
}

// respond writes one sentinel-terminated response.
func (s *Server) respond(conn net.Conn, remote, text string) {
	if _, err := conn.Write(replbox.EncodeResponse(text)); err != nil {
		s.logger.Warn("server: write failed", "remote_addr", remote, "error", err)
	}
}

// record hands an entry to the audit store, if one is configured.
func (s *Server) record(ctx context.Context, e audit.Entry) {
	if s.store == nil {
		return
	}
	if err := s.store.Record(ctx, e); err != nil {
		s.logger.Warn("server: audit record failed", "error", err)
	}
}

func faultText(err error) string {
	var f *replbox.Fault
	if errors.As(err, &f) {
		return f.Wire()
	}
	return "Error: " + err.Error()
}

func faultKind(err error) replbox.FaultKind {
	var f *replbox.Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return replbox.FaultProtocol
}

// numberLines renders code the way the server logs it, one "%3d | "
// prefixed line per source line.
func numberLines(code string) string {
	var b strings.Builder
	for i, line := range strings.Split(code, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%3d | %s", i+1, line)
	}
	return b.String()
}
