// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package httpclient

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	relayderr "github.com/nsofnetworks/relayd/pkg/errors"
	"github.com/nsofnetworks/relayd/pkg/htmsg"
	"github.com/nsofnetworks/relayd/pkg/stream"
)

// clientState enumerates the worker task's protocol phases.
type clientState int

const (
	stateRequest clientState = iota
	stateRequestBody
	stateResStatusLine
	stateResHeaders
	stateResBody
	stateResEnd
)

// action is what one state-machine step asks the scheduler to do next.
type action int

const (
	actContinue action = iota // run the next state immediately
	actYield                  // wait for a wake-up
	actDone                   // terminal, tear down
)

// task is the cooperative worker bound 1:1 to a client instance. Its
// goroutine is the only mutator of the instance once started; the
// caller reaches it through atomic flags and the wake channel.
type task struct {
	c      *Client
	rt     *Runtime
	ep     stream.Endpoint
	host   string
	wake   chan struct{}
	st     clientState
	hdrs   []Header
	err    error
	logger *slog.Logger
}

// wakeup schedules a re-invocation of the task loop. Non-blocking and
// safe from any goroutine.
func (t *task) wakeup() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Start binds a worker task to the instance and launches it. A second
// start on a running instance is rejected. Destination resolution and
// transport-profile selection happen here: their failures leave the
// instance unstarted so the caller may retry or destroy it.
func (c *Client) Start(ctx context.Context) error {
	if c.Started() && !c.Ended() {
		return relayderr.New("start", c.id.String(), c.Req.URL, relayderr.ErrAlreadyStarted)
	}

	scheme, host, port := SplitURL(c.Req.URL)

	profile, err := c.rt.profiles.Select(scheme)
	c.rt.countTLSSelection(scheme, err)
	if err != nil {
		c.rt.countTaskInitError("tls")
		return relayderr.New("start", c.id.String(), c.Req.URL, err)
	}

	if !c.rt.allowStart(host) {
		c.rt.countTaskInitError("ratelimit")
		return relayderr.New("start", c.id.String(), c.Req.URL, relayderr.ErrRateLimited)
	}
	if br := c.rt.breakerFor(host); br != nil && !br.Allow() {
		c.rt.countTaskInitError("breaker")
		return relayderr.New("start", c.id.String(), c.Req.URL, relayderr.ErrBreakerOpen)
	}

	c.mu.Lock()
	dst := c.dst
	timeout := c.timeout
	c.mu.Unlock()

	var addr string
	switch {
	case dst != nil:
		// Explicit override bypasses URL-based resolution entirely.
		addr = dst.String()
	default:
		ip, perr := netip.ParseAddr(strings.Trim(host, "[]"))
		if perr != nil {
			// Not a literal IP: defer to the runtime's name
			// resolution facility.
			rctx, cancel := context.WithTimeout(ctx, c.rt.cfg.DialTimeout)
			ip, err = c.rt.resolver.Resolve(rctx, host)
			cancel()
			c.rt.countResolve(err)
			if err != nil {
				c.rt.countTaskInitError("resolve")
				return relayderr.New("start", c.id.String(), c.Req.URL, err)
			}
		}
		addr = netip.AddrPortFrom(ip, uint16(port)).String()
	}

	t := &task{
		c:    c,
		rt:   c.rt,
		host: host,
		wake: make(chan struct{}, 1),
		ep: stream.Endpoint{
			Addr:         addr,
			Host:         strings.Trim(host, "[]"),
			Profile:      profile,
			ExpectNoBody: c.Req.Method == "HEAD",
			DialTimeout:  c.rt.cfg.DialTimeout,
			IOTimeout:    timeout,
			OutMax:       c.rt.cfg.BufBytes,
			InMax:        c.rt.cfg.BufBytes,
			Logger:       c.rt.logger,
		},
		logger: c.rt.logger.With(
			slog.String("client", c.id.String()),
			slog.String("method", c.Req.Method),
			slog.String("url", c.Req.URL),
		),
	}

	c.flags.Store(flagStarted)
	c.mu.Lock()
	c.task = t
	c.mu.Unlock()

	go t.run(ctx, timeout)
	return nil
}

// run drives the exchange to completion and always tears down exactly
// once, on every path.
func (t *task) run(ctx context.Context, timeout time.Duration) {
	defer t.teardown()

	if m := t.rt.metrics; m != nil {
		m.ObserveExchange(t.c.Req.Method, func() int {
			t.loop(ctx, timeout)
			return t.c.Res.Status
		})
		return
	}
	t.loop(ctx, timeout)
}

func (t *task) loop(ctx context.Context, timeout time.Duration) {
	c := t.c

	s, err := stream.Dial(ctx, t.ep, t.wakeup)
	if err != nil {
		t.err = err
		t.logger.Warn("connection failed", slog.String("error", err.Error()))
		return
	}
	defer s.Shut()

	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	for {
		// A stop request always wins over further protocol progress.
		if c.stopRequested() {
			t.err = relayderr.ErrStopped
			t.rt.countStopped()
			return
		}

		var act action
		switch t.st {
		case stateRequest:
			act = t.stepRequest(s)
		case stateRequestBody:
			act = t.stepRequestBody(s)
		case stateResStatusLine:
			act = t.stepStatusLine(s)
		case stateResHeaders:
			act = t.stepHeaders(s)
		case stateResBody:
			act = t.stepBody(s)
		case stateResEnd:
			s.Shut()
			return
		}

		switch act {
		case actContinue:
			continue
		case actDone:
			s.Shut()
			return
		case actYield:
			// A half-closed inbound side with nothing left to process
			// forces shutdown regardless of the current state.
			if t.inboundDead(s) {
				if t.err == nil {
					t.err = s.Err()
				}
				return
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}
			select {
			case <-t.wake:
			case <-timerC(timer):
				t.err = relayderr.Wrap(context.DeadlineExceeded, "server timeout")
				t.logger.Warn("exchange timed out")
				return
			case <-ctx.Done():
				t.err = ctx.Err()
				return
			}
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// inboundDead reports that the peer side terminated and the inbound
// buffer holds nothing processable.
func (t *task) inboundDead(s *stream.Stream) bool {
	if !s.InClosed() {
		return false
	}
	s.Lock()
	defer s.Unlock()
	return s.In().Empty() && !s.In().EOM()
}

// stepRequest moves as much of the request buffer as fits into the
// transport's outbound buffer.
func (t *task) stepRequest(s *stream.Stream) action {
	c := t.c

	s.Lock()
	c.mu.Lock()
	moved := 0
	if c.req != nil {
		moved = c.req.TransferTo(s.Out(), 0)
		if c.req.Empty() {
			c.req = nil
		}
	}
	eom := s.Out().EOM()
	c.mu.Unlock()
	s.Unlock()

	if moved > 0 {
		s.WillSend()
		t.countRequestBytes(moved)
	}

	if eom {
		t.st = stateResStatusLine
		return actContinue
	}
	if c.Ops.OnRequestPayload != nil {
		t.st = stateRequestBody
		return actContinue
	}
	// The serialized request did not fit whole; resume once the writer
	// frees room.
	return actYield
}

// stepRequestBody asks the payload producer for more data and merges
// whatever was fed into the outbound buffer, propagating the end of
// the message when the producer signals completion.
func (t *task) stepRequestBody(s *stream.Stream) action {
	c := t.c

	if cb := c.Ops.OnRequestPayload; cb != nil {
		cb(c)
	}

	s.Lock()
	c.mu.Lock()
	moved := 0
	if c.req != nil {
		moved = c.req.TransferTo(s.Out(), 0)
		if c.req.Empty() {
			c.req = nil
		}
	}
	eom := s.Out().EOM()
	c.mu.Unlock()
	s.Unlock()

	if moved > 0 {
		s.WillSend()
		t.countRequestBytes(moved)
	}

	if eom {
		t.st = stateResStatusLine
		return actContinue
	}
	return actYield
}

// stepStatusLine copies the response start line into the instance and
// consumes it.
func (t *task) stepStatusLine(s *stream.Stream) action {
	c := t.c

	s.Lock()
	in := s.In()
	for {
		seg, ok := in.Peek()
		if !ok {
			s.Unlock()
			return actYield
		}
		if seg.Kind == htmsg.KindStatusLine {
			c.Res.Version = seg.Version
			c.Res.Status = seg.Status
			c.Res.Reason = seg.Reason
			in.Consume()
			break
		}
		if seg.Kind == htmsg.KindEOT {
			in.Consume()
			continue
		}
		s.Unlock()
		return actYield
	}
	done := in.Empty() && in.EOM()
	s.Unlock()

	if cb := c.Ops.OnStatusLine; cb != nil {
		cb(c)
	}

	if done {
		t.st = stateResEnd
	} else {
		t.st = stateResHeaders
	}
	return actContinue
}

// stepHeaders drains header segments into the task-local array until
// the end-of-headers marker, then hands the caller an owned copy.
// Exceeding the configured header limit aborts the exchange: this is a
// configuration-limit violation, not a transient condition.
func (t *task) stepHeaders(s *stream.Stream) action {
	c := t.c

	s.Lock()
	in := s.In()
	overflow := false
	done := false
	for {
		seg, ok := in.Peek()
		if !ok {
			break
		}
		if seg.Kind == htmsg.KindHeader {
			if len(t.hdrs) >= t.rt.cfg.MaxHeaders {
				overflow = true
				break
			}
			t.hdrs = append(t.hdrs, Header{Name: seg.Name, Value: seg.Value})
			in.Consume()
			continue
		}
		if seg.Kind == htmsg.KindEOH {
			in.Consume()
			done = true
		}
		break
	}
	empty := in.Empty()
	eom := in.EOM()
	s.Unlock()

	if overflow {
		t.err = relayderr.ErrTooManyHeaders
		t.rt.countHeaderOverflow()
		t.logger.Warn("too many response headers",
			slog.Int("limit", t.rt.cfg.MaxHeaders))
		return actDone
	}
	if !done {
		return actYield
	}

	hdrs := make([]Header, len(t.hdrs))
	copy(hdrs, t.hdrs)
	c.Res.Hdrs = hdrs

	if cb := c.Ops.OnHeaders; cb != nil {
		cb(c)
	}

	if empty && eom {
		t.st = stateResEnd
	} else {
		t.st = stateResBody
	}
	return actContinue
}

// stepBody copies inbound data segments into the instance's response
// buffer up to available room and notifies the caller after each
// contiguous copy.
func (t *task) stepBody(s *stream.Stream) action {
	c := t.c

	s.Lock()
	c.mu.Lock()
	if c.res == nil {
		c.res = htmsg.New(t.rt.cfg.BufBytes)
	}
	in := s.In()
	copied := 0
	for {
		seg, ok := in.Peek()
		if !ok {
			break
		}
		if seg.Kind != htmsg.KindData {
			in.Consume()
			continue
		}
		want := len(seg.Data)
		n, _ := c.res.AppendData(seg.Data)
		if n > 0 {
			in.CutData(n)
			copied += n
		}
		if n < want {
			// Response buffer is full; resume on the caller's drain.
			break
		}
	}
	done := in.Empty() && in.EOM()
	c.mu.Unlock()
	s.Unlock()

	if copied > 0 {
		s.WillRead()
		if cb := c.Ops.OnBodyChunk; cb != nil {
			cb(c)
		}
	}

	if done {
		t.st = stateResEnd
		return actContinue
	}
	return actYield
}

// teardown runs once per task, on every exit path: mark the exchange
// ended, sever the task's back-reference, fire the end callback, then
// honor a deferred destroy request.
func (t *task) teardown() {
	c := t.c

	c.orFlags(flagEnded)

	c.mu.Lock()
	c.task = nil
	c.mu.Unlock()

	if br := t.rt.breakerFor(t.host); br != nil {
		if t.err == nil && c.Res.Status > 0 {
			br.Success()
		} else {
			br.Failure()
		}
	}

	t.logger.Debug("exchange ended",
		slog.Int("status", c.Res.Status),
		slog.Bool("failed", t.err != nil))

	if cb := c.Ops.OnEnd; cb != nil {
		cb(c)
	}

	if c.flags.Load()&flagAutoDestroy != 0 {
		c.destroy()
	}
}

func (t *task) countRequestBytes(n int) {
	if m := t.rt.metrics; m != nil {
		m.RequestBytes.WithLabelValues(t.c.Req.Method).Observe(float64(n))
	}
}
