package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/replbox"
)

// node is one pooled service address with its failure cooldown.
type node struct {
	addr       string
	retryAfter time.Time
}

// Pool fans submissions out over several services. A session sticks to
// the service that last served it, keeping its interpreter state in one
// place; on failure the session is rebound to the next healthy service,
// which starts it from empty state.
type Pool struct {
	cfg settings

	mu    sync.Mutex
	nodes []*node
	next  int

	sessionMu sync.RWMutex
	affinity  map[string]string
}

// NewPool creates a Pool over the given service addresses. Blank and
// duplicate addresses are dropped; at least one must remain.
func NewPool(addrs []string, opts ...Option) (*Pool, error) {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}

	seen := make(map[string]struct{}, len(addrs))
	var nodes []*node
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		nodes = append(nodes, &node{addr: addr})
	}
	if len(nodes) == 0 {
		return nil, errors.New("no service addresses provided")
	}

	return &Pool{cfg: cfg, nodes: nodes, affinity: make(map[string]string)}, nil
}

// Addrs returns the configured service addresses.
func (p *Pool) Addrs() []string {
	addrs := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		addrs[i] = n.addr
	}
	return addrs
}

// Ping dials each service in turn and returns nil as soon as one
// answers. Unreachable services enter cooldown.
func (p *Pool) Ping(ctx context.Context) error {
	var lastErr error
	for _, n := range p.nodes {
		d := &net.Dialer{Timeout: p.cfg.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", n.addr)
		if err != nil {
			p.markFailure(n.addr)
			p.cfg.logger.Warn("client: health check failed", "addr", n.addr, "error", err)
			lastErr = err
			continue
		}
		conn.Close()
		p.markSuccess(n.addr)
		return nil
	}
	return fmt.Errorf("no service reachable: %w", lastErr)
}

// Submit runs code on the session's bound service, falling over to the
// rest of the pool when it fails. The service that answers becomes the
// session's new home. The response text is returned with surrounding
// whitespace trimmed.
func (p *Pool) Submit(ctx context.Context, sessionID, code string) (string, error) {
	tried := make(map[string]struct{})

	p.sessionMu.RLock()
	bound, ok := p.affinity[sessionID]
	p.sessionMu.RUnlock()
	if ok {
		out, err := p.submitTo(ctx, bound, sessionID, code)
		if err == nil {
			return out, nil
		}
		tried[bound] = struct{}{}
		p.sessionMu.Lock()
		delete(p.affinity, sessionID)
		p.sessionMu.Unlock()
	}

	var lastErr error
	for attempts := 0; attempts < len(p.nodes); attempts++ {
		addr, err := p.pick()
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("no healthy service available: %w", lastErr)
			}
			return "", err
		}
		if _, seen := tried[addr]; seen {
			continue
		}
		tried[addr] = struct{}{}

		out, err := p.submitTo(ctx, addr, sessionID, code)
		if err == nil {
			p.sessionMu.Lock()
			p.affinity[sessionID] = addr
			p.sessionMu.Unlock()
			return out, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return "", fmt.Errorf("all services failed: %w", lastErr)
	}
	return "", errors.New("no healthy service available")
}

// submitTo runs one submission against one service over a fresh
// connection.
func (p *Pool) submitTo(ctx context.Context, addr, sessionID, code string) (string, error) {
	d := &net.Dialer{Timeout: p.cfg.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.markFailure(addr)
		p.cfg.logger.Warn("client: dial failed", "addr", addr, "error", err)
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Split(replbox.ScanFrames)

	out, err := roundTrip(conn, sc, sessionID, code, deadlineFor(ctx, p.cfg.ioTimeout))
	if err != nil {
		p.markFailure(addr)
		p.cfg.logger.Warn("client: submission failed", "addr", addr, "error", err)
		return "", fmt.Errorf("service %s: %w", addr, err)
	}
	p.markSuccess(addr)
	p.cfg.logger.Debug("client: submission ok", "addr", addr, "session_id", sessionID)
	return out, nil
}

// pick returns the next service not in cooldown, round robin.
func (p *Pool) pick() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for checked := 0; checked < len(p.nodes); checked++ {
		n := p.nodes[p.next]
		p.next = (p.next + 1) % len(p.nodes)
		if now.After(n.retryAfter) {
			return n.addr, nil
		}
	}
	return "", errors.New("no healthy service available")
}

func (p *Pool) markFailure(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.addr == addr {
			n.retryAfter = time.Now().Add(p.cfg.cooldown)
			return
		}
	}
}

func (p *Pool) markSuccess(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.addr == addr {
			n.retryAfter = time.Time{}
			return
		}
	}
}
