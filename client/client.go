// Package client implements the Go side of the execution service wire
// protocol.
//
// Client keeps one persistent connection to a single service and one
// session identifier, so consecutive submissions share interpreter state.
// Pool fans submissions out over several services with round-robin
// failover and session affinity.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/replbox"
)

// Defaults applied by Dial and NewPool unless overridden by options.
const (
	DefaultDialTimeout = 3 * time.Second
	DefaultIOTimeout   = 60 * time.Second
	DefaultCooldown    = 5 * time.Second
)

// settings holds configuration shared by Client and Pool,
// set via Option functions.
type settings struct {
	session     string
	dialTimeout time.Duration
	ioTimeout   time.Duration
	cooldown    time.Duration
	logger      *slog.Logger
}

func defaultSettings() settings {
	return settings{
		dialTimeout: DefaultDialTimeout,
		ioTimeout:   DefaultIOTimeout,
		cooldown:    DefaultCooldown,
		logger:      nopLogger,
	}
}

// Option configures a Client or a Pool.
type Option func(*settings)

// WithSession sets the session identifier used by Client.Submit.
// Dial generates one when not set. Pool ignores it.
func WithSession(id string) Option {
	return func(s *settings) { s.session = id }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) { s.dialTimeout = d }
}

// WithIOTimeout bounds one full submission round trip. The deadline of
// the submission's context applies as well when it is earlier.
func WithIOTimeout(d time.Duration) Option {
	return func(s *settings) { s.ioTimeout = d }
}

// WithCooldown sets how long a Pool skips a failed service before
// trying it again. Client ignores it.
func WithCooldown(d time.Duration) Option {
	return func(s *settings) { s.cooldown = d }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Client submits code over one persistent connection. Safe for
// concurrent use; submissions serialize on the connection.
type Client struct {
	addr string
	cfg  settings

	mu   sync.Mutex
	conn net.Conn
	sc   *bufio.Scanner
}

// Dial connects to the service at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, cfg: defaultSettings()}
	for _, o := range opts {
		o(&c.cfg)
	}
	if c.cfg.session == "" {
		c.cfg.session = replbox.NewID()
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.cfg.logger.Debug("client: connected", "addr", addr, "session_id", c.cfg.session)
	return c, nil
}

// SessionID returns the identifier Submit tags code with.
func (c *Client) SessionID() string { return c.cfg.session }

// connect dials and installs a fresh frame reader. Callers other than
// Dial hold mu.
func (c *Client) connect(ctx context.Context) error {
	d := &net.Dialer{Timeout: c.cfg.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.sc = bufio.NewScanner(conn)
	c.sc.Split(replbox.ScanFrames)
	return nil
}

// Submit runs code under the client's own session and returns the
// service's response text with surrounding whitespace trimmed.
func (c *Client) Submit(ctx context.Context, code string) (string, error) {
	return c.SubmitAs(ctx, c.cfg.session, code)
}

// SubmitAs runs code under an explicit session. The connection is
// re-established when a previous submission broke it; a submission is
// never retried once written, so code cannot run twice.
func (c *Client) SubmitAs(ctx context.Context, sessionID, code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return "", err
		}
		c.cfg.logger.Debug("client: reconnected", "addr", c.addr)
	}

	out, err := roundTrip(c.conn, c.sc, sessionID, code, deadlineFor(ctx, c.cfg.ioTimeout))
	if err != nil {
		c.conn.Close()
		c.conn = nil
		c.sc = nil
		return "", err
	}
	return out, nil
}

// Close closes the connection. The client may be reused; the next
// submission reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.sc = nil
	return err
}

// roundTrip writes one request frame and reads one response frame.
func roundTrip(conn net.Conn, sc *bufio.Scanner, sessionID, code string, deadline time.Time) (string, error) {
	_ = conn.SetDeadline(deadline)
	if _, err := conn.Write(replbox.EncodeRequest(sessionID, code)); err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read result: %w", err)
		}
		return "", fmt.Errorf("read result: %w", io.ErrUnexpectedEOF)
	}
	return strings.TrimSpace(sc.Text()), nil
}

// deadlineFor returns now+io, or the context deadline when earlier.
func deadlineFor(ctx context.Context, io time.Duration) time.Time {
	deadline := time.Now().Add(io)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}
