// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package stream implements the transport stream the client engine
// rides on. A stream owns one outbound and one inbound structured
// message buffer bound to a network connection: a writer goroutine
// serializes outbound segments to the HTTP/1 wire, a reader goroutine
// parses the wire back into inbound segments. The engine's worker task
// never blocks on the socket; it operates on the two buffers under the
// stream lock and is woken whenever data or room becomes available.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsofnetworks/relayd/pkg/htmsg"
	"github.com/nsofnetworks/relayd/pkg/xprt"
)

// Endpoint describes where a stream connects and how.
type Endpoint struct {
	// Addr is the host:port dial target.
	Addr string

	// Host is the logical server name, used for SNI.
	Host string

	// Profile selects raw or encrypted transport.
	Profile *xprt.Profile

	// ExpectNoBody marks exchanges whose response carries no payload
	// regardless of framing headers (HEAD).
	ExpectNoBody bool

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// IOTimeout bounds each read and write on the wire. Zero disables
	// the deadline.
	IOTimeout time.Duration

	// OutMax and InMax are the message buffer budgets.
	OutMax int
	InMax  int

	// MaxLineBytes bounds a single wire line (status line, header,
	// chunk size). Zero uses the default.
	MaxLineBytes int

	// Logger for stream events
	Logger *slog.Logger
}

const defaultMaxLine = 8 * 1024

// Stream binds two message buffers to a connection.
type Stream struct {
	mu  sync.Mutex
	out *htmsg.Message
	in  *htmsg.Message
	err error

	conn net.Conn
	ep   Endpoint
	wake func()

	sendable chan struct{} // signaled when outbound segments are ready
	readable chan struct{} // signaled when inbound room was freed
	done     chan struct{}

	inDone   atomic.Bool
	shutOnce sync.Once
	logger   *slog.Logger
}

// Dial connects to the endpoint and starts the stream's reader and
// writer. The wake function is invoked, possibly concurrently, each
// time inbound data arrives, outbound room frees up, or the inbound
// side terminates.
func Dial(ctx context.Context, ep Endpoint, wake func()) (*Stream, error) {
	if ep.Logger == nil {
		ep.Logger = slog.Default()
	}
	if ep.MaxLineBytes <= 0 {
		ep.MaxLineBytes = defaultMaxLine
	}
	if wake == nil {
		wake = func() {}
	}

	d := net.Dialer{Timeout: ep.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", ep.Addr, err)
	}

	if ep.Profile != nil && ep.Profile.TLS != nil {
		cfg := ep.Profile.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = ep.Host
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", ep.Addr, err)
		}
		conn = tc
	}

	s := &Stream{
		out:      htmsg.New(ep.OutMax),
		in:       htmsg.New(ep.InMax),
		conn:     conn,
		ep:       ep,
		wake:     wake,
		sendable: make(chan struct{}, 1),
		readable: make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   ep.Logger,
	}

	go s.writeLoop()
	go s.readLoop()

	return s, nil
}

// Lock takes the buffer lock. The engine holds it while walking or
// mutating Out and In.
func (s *Stream) Lock() { s.mu.Lock() }

// Unlock releases the buffer lock.
func (s *Stream) Unlock() { s.mu.Unlock() }

// Out returns the outbound message buffer. Callers must hold the lock.
func (s *Stream) Out() *htmsg.Message { return s.out }

// In returns the inbound message buffer. Callers must hold the lock.
func (s *Stream) In() *htmsg.Message { return s.in }

// WillSend tells the writer that outbound segments are available.
func (s *Stream) WillSend() { signal(s.sendable) }

// WillRead tells the reader that inbound room was freed.
func (s *Stream) WillRead() { signal(s.readable) }

// InClosed reports whether the inbound side terminated: the response
// is complete, the peer closed, or the wire failed.
func (s *Stream) InClosed() bool { return s.inDone.Load() }

// Err returns the wire error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Shut half-closes both directions and releases the connection. Safe
// to call more than once.
func (s *Stream) Shut() {
	s.shutOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
