// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bufio"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nsofnetworks/relayd/pkg/htmsg"
)

// writeLoop drains the outbound message buffer to the wire. Framing is
// decided at end-of-headers: a known-complete payload goes out with a
// Content-Length, a streamed one chunked, and a bodyless message with
// neither. The loop wakes the engine task whenever it frees room.
func (s *Stream) writeLoop() {
	bw := bufio.NewWriter(s.conn)
	chunked := false
	sentEOH := false

	fail := func(err error) {
		s.setErr(err)
		s.inDone.Store(true)
		s.wake()
	}

	for {
		s.mu.Lock()
		seg, ok := s.out.Peek()
		finished := !ok && s.out.EOM()
		var local htmsg.Segment
		var bodyless bool
		var length int
		if ok {
			local = *seg
			if local.Kind == htmsg.KindEOH {
				// Frame the body while the rest of the message is visible.
				bodyless = s.out.EOM() && s.out.DataLen() == 0 && s.out.SegCount() <= 2
				length = s.out.DataLen()
				if !s.out.EOM() {
					length = -1
				}
			}
			if local.Kind == htmsg.KindData {
				// Own the bytes so the socket write happens unlocked.
				local.Data = seg.Data
			}
			s.out.Consume()
		}
		s.mu.Unlock()

		if finished {
			if chunked && sentEOH {
				if _, err := fmt.Fprint(bw, "0\r\n\r\n"); err != nil {
					fail(err)
					return
				}
			}
			if err := bw.Flush(); err != nil {
				fail(err)
				return
			}
			s.halfCloseWrite()
			return
		}

		if !ok {
			// Nothing to send yet: push what we have and wait.
			if err := bw.Flush(); err != nil {
				fail(err)
				return
			}
			select {
			case <-s.sendable:
				continue
			case <-s.done:
				return
			}
		}

		s.deadline(true)
		var err error
		switch local.Kind {
		case htmsg.KindRequestLine:
			_, err = fmt.Fprintf(bw, "%s %s %s\r\n", local.Method, originForm(local.URI), local.Version)
		case htmsg.KindHeader:
			_, err = fmt.Fprintf(bw, "%s: %s\r\n", local.Name, sanitizeValue(local.Value))
		case htmsg.KindEOH:
			sentEOH = true
			switch {
			case bodyless:
				_, err = fmt.Fprint(bw, "Connection: close\r\n\r\n")
			case length >= 0:
				_, err = fmt.Fprintf(bw, "Content-Length: %d\r\nConnection: close\r\n\r\n", length)
			default:
				chunked = true
				_, err = fmt.Fprint(bw, "Transfer-Encoding: chunked\r\nConnection: close\r\n\r\n")
			}
			if err == nil {
				err = bw.Flush()
			}
		case htmsg.KindData:
			if chunked {
				if _, err = fmt.Fprintf(bw, "%x\r\n", len(local.Data)); err == nil {
					if _, err = bw.Write(local.Data); err == nil {
						_, err = fmt.Fprint(bw, "\r\n")
					}
				}
			} else {
				_, err = bw.Write(local.Data)
			}
			if err == nil {
				err = bw.Flush()
			}
		case htmsg.KindEOT:
			// Terminator carries no wire bytes.
		default:
			s.logger.Warn("unexpected outbound segment", slog.String("kind", local.Kind.String()))
		}
		if err != nil {
			fail(err)
			return
		}

		// Room freed in the outbound buffer.
		s.wake()
	}
}

// halfCloseWrite signals the peer that the request is complete while
// keeping the read side open for the response.
func (s *Stream) halfCloseWrite() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := s.conn.(closeWriter); ok {
		cw.CloseWrite()
	}
}

func (s *Stream) deadline(write bool) {
	if s.ep.IOTimeout <= 0 {
		return
	}
	t := time.Now().Add(s.ep.IOTimeout)
	if write {
		s.conn.SetWriteDeadline(t)
	} else {
		s.conn.SetReadDeadline(t)
	}
}

// originForm rewrites an absolute URI into the origin form sent on the
// request line.
func originForm(uri string) string {
	rest := uri
	switch {
	case strings.HasPrefix(uri, "http://"):
		rest = uri[len("http://"):]
	case strings.HasPrefix(uri, "https://"):
		rest = uri[len("https://"):]
	default:
		if uri == "" {
			return "/"
		}
		return uri
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}

// sanitizeValue strips CR, LF and control bytes from a header value.
func sanitizeValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		if c := v[i]; c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
