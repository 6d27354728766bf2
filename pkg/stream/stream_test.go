// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nsofnetworks/relayd/pkg/htmsg"
)

// serveOnce accepts one connection, records the request bytes until the
// peer half-closes, then writes the canned response and closes.
func serveOnce(t *testing.T, response string) (addr string, request *bytes.Buffer, served chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	request = &bytes.Buffer{}
	served = make(chan struct{})

	go func() {
		defer close(served)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(request, conn)
		io.WriteString(conn, response)
	}()

	return ln.Addr().String(), request, served
}

func dialTest(t *testing.T, addr string) (*Stream, chan struct{}) {
	t.Helper()

	wake := make(chan struct{}, 1)
	s, err := Dial(context.Background(), Endpoint{
		Addr:      addr,
		Host:      "upstream.test",
		OutMax:    16384,
		InMax:     16384,
		IOTimeout: 5 * time.Second,
	}, func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(s.Shut)
	return s, wake
}

// waitInbound blocks until the inbound side terminates.
func waitInbound(t *testing.T, s *Stream, wake chan struct{}) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for !s.InClosed() {
		select {
		case <-wake:
		case <-deadline:
			t.Fatal("inbound side did not terminate")
		}
	}
}

func sendRequest(t *testing.T, s *Stream, build func(out *htmsg.Message)) {
	t.Helper()
	s.Lock()
	build(s.Out())
	s.Unlock()
	s.WillSend()
}

func TestStream_ContentLengthRequest(t *testing.T) {
	addr, request, served := serveOnce(t, "HTTP/1.1 204 No Content\r\n\r\n")
	s, wake := dialTest(t, addr)

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("POST", "http://upstream.test/submit", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
		out.AppendDataAtOnce([]byte("hello"))
		out.SetEOM()
	})

	waitInbound(t, s, wake)
	<-served

	want := "POST /submit HTTP/1.1\r\n" +
		"Host: upstream.test\r\n" +
		"Content-Length: 5\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"hello"
	if got := request.String(); got != want {
		t.Errorf("wire request = %q, want %q", got, want)
	}
}

func TestStream_BodylessRequest(t *testing.T) {
	addr, request, served := serveOnce(t, "HTTP/1.1 204 No Content\r\n\r\n")
	s, wake := dialTest(t, addr)

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("GET", "http://upstream.test/", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
		out.SetEOM()
	})

	waitInbound(t, s, wake)
	<-served

	got := request.String()
	if strings.Contains(got, "Content-Length") || strings.Contains(got, "Transfer-Encoding") {
		t.Errorf("bodyless request carries body framing: %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("missing Connection: close: %q", got)
	}
}

func TestStream_ChunkedRequest(t *testing.T) {
	addr, request, served := serveOnce(t, "HTTP/1.1 204 No Content\r\n\r\n")
	s, wake := dialTest(t, addr)

	// Headers go out before the payload is known, forcing chunked
	// framing.
	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("PUT", "http://upstream.test/up", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
	})

	// Wait for the writer to drain the header block.
	deadline := time.After(5 * time.Second)
	for {
		s.Lock()
		empty := s.Out().Empty()
		s.Unlock()
		if empty {
			break
		}
		select {
		case <-deadline:
			t.Fatal("writer did not drain headers")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendDataAtOnce([]byte("hello"))
		out.SetEOM()
	})

	waitInbound(t, s, wake)
	<-served

	got := request.String()
	if !strings.Contains(got, "Transfer-Encoding: chunked\r\n") {
		t.Errorf("missing chunked framing: %q", got)
	}
	if !strings.Contains(got, "5\r\nhello\r\n0\r\n\r\n") {
		t.Errorf("bad chunk encoding: %q", got)
	}
}

func drainInbound(s *Stream) []htmsg.Segment {
	s.Lock()
	defer s.Unlock()
	var segs []htmsg.Segment
	for {
		seg, ok := s.In().Peek()
		if !ok {
			return segs
		}
		segs = append(segs, *seg)
		s.In().Consume()
	}
}

func checkResponse(t *testing.T, segs []htmsg.Segment, status int, wantBody string) {
	t.Helper()

	if len(segs) == 0 {
		t.Fatal("no inbound segments")
	}
	if segs[0].Kind != htmsg.KindStatusLine || segs[0].Status != status {
		t.Fatalf("first segment = %+v, want status line %d", segs[0], status)
	}
	var body bytes.Buffer
	for _, seg := range segs[1:] {
		if seg.Kind == htmsg.KindData {
			body.Write(seg.Data)
		}
	}
	if body.String() != wantBody {
		t.Errorf("body = %q, want %q", body.String(), wantBody)
	}
}

func getThrough(t *testing.T, response string) []htmsg.Segment {
	t.Helper()

	addr, _, _ := serveOnce(t, response)
	s, wake := dialTest(t, addr)

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("GET", "http://upstream.test/", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
		out.SetEOM()
	})

	waitInbound(t, s, wake)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	s.Lock()
	eom := s.In().EOM()
	s.Unlock()
	if !eom {
		t.Fatal("inbound message not ended")
	}

	return drainInbound(s)
}

func TestStream_ContentLengthResponse(t *testing.T) {
	segs := getThrough(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Probe: yes\r\n\r\nhello")
	checkResponse(t, segs, 200, "hello")

	found := false
	for _, seg := range segs {
		if seg.Kind == htmsg.KindHeader && seg.Name == "X-Probe" && seg.Value == "yes" {
			found = true
		}
	}
	if !found {
		t.Error("X-Probe header not parsed")
	}
}

func TestStream_ChunkedResponse(t *testing.T) {
	segs := getThrough(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	checkResponse(t, segs, 200, "hello world")
}

func TestStream_ReadUntilClose(t *testing.T) {
	segs := getThrough(t, "HTTP/1.1 200 OK\r\n\r\nuntil the end")
	checkResponse(t, segs, 200, "until the end")
}

func TestStream_NoContentResponse(t *testing.T) {
	segs := getThrough(t, "HTTP/1.1 204 No Content\r\n\r\n")
	checkResponse(t, segs, 204, "")
}

func TestStream_InterimResponseSkipped(t *testing.T) {
	segs := getThrough(t, "HTTP/1.1 100 Continue\r\n\r\n"+
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	checkResponse(t, segs, 200, "ok")
}

func TestStream_TruncatedResponseIsError(t *testing.T) {
	addr, _, _ := serveOnce(t, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
	s, wake := dialTest(t, addr)

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("GET", "http://upstream.test/", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
		out.SetEOM()
	})

	waitInbound(t, s, wake)

	if s.Err() == nil {
		t.Error("expected a truncation error")
	}
	s.Lock()
	eom := s.In().EOM()
	s.Unlock()
	if eom {
		t.Error("truncated message marked as ended")
	}
}

func TestStream_MalformedStatusLine(t *testing.T) {
	addr, _, _ := serveOnce(t, "NOT HTTP AT ALL\r\n\r\n")
	s, wake := dialTest(t, addr)

	sendRequest(t, s, func(out *htmsg.Message) {
		out.AppendRequestLine("GET", "http://upstream.test/", "HTTP/1.1")
		out.AppendHeader("Host", "upstream.test")
		out.AppendEOH()
		out.SetEOM()
	})

	waitInbound(t, s, wake)

	if s.Err() == nil {
		t.Error("expected a wire format error")
	}
}
