// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package httpclient implements relayd's embedded outbound HTTP client
// engine. Internal subsystems build a request into a client instance,
// start it, and consume the response through callbacks and transfer
// primitives; the exchange itself is driven by a worker task bound 1:1
// to the instance, riding the proxy's stream machinery.
package httpclient

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	relayderr "github.com/nsofnetworks/relayd/pkg/errors"
	"github.com/nsofnetworks/relayd/pkg/htmsg"
)

// Lifecycle flags. The flags word is the only field shared between the
// caller and the worker task without the wake-and-reinvoke handshake,
// so it is updated atomically.
const (
	flagStarted uint32 = 1 << iota
	flagEnded
	flagStopRequested
	flagAutoDestroy
)

// Callbacks is the optional hook table fired by the worker task as the
// exchange progresses. Hooks run on the task goroutine, in response
// order: status line, headers, body chunks, end. OnRequestPayload is
// only used in producer mode, when the caller streams the request body
// incrementally.
type Callbacks struct {
	OnStatusLine     func(*Client)
	OnHeaders        func(*Client)
	OnBodyChunk      func(*Client)
	OnRequestPayload func(*Client)
	OnEnd            func(*Client)
}

// Request holds the caller-side exchange parameters.
type Request struct {
	Method string
	URL    string
}

// Response holds the fields captured off the response as the task
// parses it. They are safe to read from callbacks and after OnEnd.
type Response struct {
	Version string
	Status  int
	Reason  string
	// Hdrs is non-nil once OnHeaders fired, empty block included.
	Hdrs []Header
}

// Client is one outbound exchange: request and response buffers, the
// destination override, the callback table and the lifecycle state.
// Supports exactly one in-flight request. The caller and the worker
// task hold weak references to each other through this struct; either
// side clears its link when it detaches and the other side must
// tolerate the null.
type Client struct {
	id uuid.UUID
	rt *Runtime

	Req Request
	Res Response
	Ops Callbacks

	flags atomic.Uint32

	mu      sync.Mutex
	req     *htmsg.Message // lazily allocated, freed when drained
	res     *htmsg.Message
	dst     *netip.AddrPort // destination override
	caller  any             // weak back-reference, nil once detached
	task    *task           // weak back-reference, nil once exited
	timeout time.Duration
}

// New allocates a client instance owned by the caller. The URL is
// copied; the instance holds no live resources until Start.
func New(rt *Runtime, caller any, method, url string) (*Client, error) {
	if rt == nil {
		return nil, fmt.Errorf("httpclient: nil runtime")
	}
	c := &Client{
		id:     uuid.New(),
		rt:     rt,
		caller: caller,
		Req: Request{
			Method: method,
			URL:    url,
		},
		timeout: rt.cfg.Timeout,
	}
	return c, nil
}

// ID returns the instance identifier used in logs and metrics.
func (c *Client) ID() uuid.UUID { return c.id }

// Started reports whether a worker task was ever bound to the instance.
func (c *Client) Started() bool { return c.flags.Load()&flagStarted != 0 }

// Ended reports whether the worker task finished, on any path.
func (c *Client) Ended() bool { return c.flags.Load()&flagEnded != 0 }

func (c *Client) stopRequested() bool { return c.flags.Load()&flagStopRequested != 0 }

// orFlags atomically ORs bits into the flags word. Equivalent to
// atomic.Uint32.Or, which needs a newer toolchain than go1.21.
func (c *Client) orFlags(bits uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// SetTimeout sets the server-side timeout for the exchange. Effective
// only before Start.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	c.timeout = timeout
	c.mu.Unlock()
}

// SetDestination overrides URL-based resolution with an explicit
// address in host:port form. The host part must be a literal IP.
func (c *Client) SetDestination(addr string) error {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return relayderr.New("set_destination", c.id.String(), addr, relayderr.ErrBadDestination)
	}
	c.mu.Lock()
	c.dst = &ap
	c.mu.Unlock()
	return nil
}

// FeedRequestPayload appends request body bytes in producer mode and
// returns how many were consumed; a short count means the request
// buffer is full and the caller must try again after the task drains
// it. When final is set and everything was consumed, the message is
// terminated — an empty message gets its explicit terminator segment
// first so the completion can be carried to the endpoint.
func (c *Client) FeedRequestPayload(p []byte, final bool) (int, error) {
	c.mu.Lock()
	if c.req == nil {
		c.req = htmsg.New(c.rt.cfg.BufBytes)
	}
	n, err := c.req.AppendData(p)
	if err != nil {
		c.mu.Unlock()
		return 0, relayderr.New("feed_request_payload", c.id.String(), c.Req.URL, err)
	}
	if n == len(p) && final {
		if c.req.Empty() {
			if err := c.req.AppendEOT(); err != nil {
				c.mu.Unlock()
				return n, relayderr.New("feed_request_payload", c.id.String(), c.Req.URL, err)
			}
		}
		if err := c.req.SetEOM(); err != nil {
			c.mu.Unlock()
			return n, relayderr.New("feed_request_payload", c.id.String(), c.Req.URL, err)
		}
	}
	c.mu.Unlock()

	c.wakeTask()
	return n, nil
}

// DrainResponse copies response body bytes into dst and returns the
// count. Once the response buffer empties it is freed and the worker
// task woken so it can fill it again; further calls return 0 until
// more data arrives.
func (c *Client) DrainResponse(dst []byte) int {
	c.mu.Lock()
	if c.res == nil {
		c.mu.Unlock()
		return 0
	}
	copied := 0
	for copied < len(dst) {
		seg, ok := c.res.Peek()
		if !ok {
			break
		}
		if seg.Kind != htmsg.KindData {
			c.res.Consume()
			continue
		}
		n := copy(dst[copied:], seg.Data)
		c.res.CutData(n)
		copied += n
	}
	emptied := c.res.Empty()
	if emptied {
		c.res = nil
	}
	c.mu.Unlock()

	if emptied {
		c.wakeTask()
	}
	if copied > 0 {
		c.countResponseBytes(copied)
	}
	return copied
}

// ResponseBuffered reports whether response body bytes are waiting to
// be drained.
func (c *Client) ResponseBuffered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res != nil && c.res.DataLen() > 0
}

// StopAndDestroy releases the instance. Never-started or already-ended
// instances are destroyed immediately. A running instance is asked to
// stop and destroy itself: the caller link is severed here and the
// actual destruction happens in the task's teardown. All caller-held
// pointers to the instance are invalid after this call.
func (c *Client) StopAndDestroy() {
	f := c.flags.Load()
	if f&flagEnded != 0 || f&flagStarted == 0 {
		c.destroy()
		return
	}

	c.orFlags(flagStopRequested | flagAutoDestroy)
	c.mu.Lock()
	// The calling subsystem no longer exists as far as the task is
	// concerned.
	c.caller = nil
	t := c.task
	c.mu.Unlock()
	if t != nil {
		t.wakeup()
	}
}

// destroy releases everything the instance owns. It must never run on
// a started-and-not-ended instance: that would sever a live task's
// back-reference.
func (c *Client) destroy() {
	f := c.flags.Load()
	if f&flagStarted != 0 && f&flagEnded == 0 {
		panic("httpclient: destroy on a running client")
	}
	c.mu.Lock()
	c.req = nil
	c.res = nil
	c.dst = nil
	c.caller = nil
	c.mu.Unlock()
	c.Res.Hdrs = nil
}

// Caller returns the owning subsystem's handle, or nil once detached.
func (c *Client) Caller() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caller
}

func (c *Client) wakeTask() {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()
	if t != nil {
		t.wakeup()
	}
}

func (c *Client) countBuildError(reason string) {
	if c.rt != nil && c.rt.metrics != nil {
		c.rt.metrics.BuildErrors.WithLabelValues(reason).Inc()
	}
}

func (c *Client) countResponseBytes(n int) {
	if c.rt != nil && c.rt.metrics != nil {
		c.rt.metrics.ResponseBytes.WithLabelValues(c.Req.Method).Observe(float64(n))
	}
}
