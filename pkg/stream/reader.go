// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nsofnetworks/relayd/pkg/htmsg"
)

var errWireFormat = errors.New("stream: malformed response")

// readLoop parses the response off the wire into the inbound message
// buffer: status line, headers, end-of-headers, then body data framed
// by Content-Length, chunked encoding, or connection close. The engine
// task is woken after every segment batch, and the loop itself yields
// whenever the inbound buffer has no room.
func (s *Stream) readLoop() {
	br := bufio.NewReader(s.conn)

	// Only a cleanly finished response is marked ended; a wire error
	// leaves the inbound message open so the engine can tell a complete
	// message from a truncated one.
	finish := func(err error) {
		if err != nil && err != io.EOF {
			s.setErr(err)
		} else {
			s.mu.Lock()
			if e := s.in.SetEOM(); errors.Is(e, htmsg.ErrEmptyMessage) {
				s.in.AppendEOT()
				s.in.SetEOM()
			}
			s.mu.Unlock()
		}
		s.inDone.Store(true)
		s.wake()
	}

	status, version, reason, err := s.readStatusLine(br)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		finish(err)
		return
	}

	s.mu.Lock()
	err = s.in.AppendStatusLine(version, status, reason)
	s.mu.Unlock()
	if err != nil {
		finish(err)
		return
	}
	s.wake()

	hdrs, err := s.readHeaderBlock(br)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		finish(err)
		return
	}

	s.mu.Lock()
	for _, h := range hdrs {
		if err = s.in.AppendHeader(h[0], h[1]); err != nil {
			break
		}
	}
	if err == nil {
		err = s.in.AppendEOH()
	}
	s.mu.Unlock()
	if err != nil {
		finish(err)
		return
	}
	s.wake()

	body, err := s.bodyReader(br, status, hdrs)
	if err != nil {
		finish(err)
		return
	}
	if body == nil {
		finish(nil)
		return
	}

	buf := make([]byte, 4096)
	for {
		s.deadline(false)
		n, rerr := body.Read(buf)
		off := 0
		for off < n {
			s.mu.Lock()
			k, aerr := s.in.AppendData(buf[off:n])
			s.mu.Unlock()
			if aerr != nil {
				finish(aerr)
				return
			}
			if k > 0 {
				off += k
				s.wake()
				continue
			}
			// No room: yield until the task consumes inbound data.
			select {
			case <-s.readable:
			case <-s.done:
				return
			}
		}
		if rerr != nil {
			finish(rerr)
			return
		}
	}
}

// readStatusLine parses the leading start line, skipping interim 1xx
// responses.
func (s *Stream) readStatusLine(br *bufio.Reader) (status int, version, reason string, err error) {
	for {
		s.deadline(false)
		line, err := readLineLimit(br, s.ep.MaxLineBytes)
		if err != nil {
			return 0, "", "", err
		}
		version, rest, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(version, "HTTP/1.") {
			return 0, "", "", fmt.Errorf("%w: status line %q", errWireFormat, line)
		}
		code, reason, _ := strings.Cut(rest, " ")
		status, err = strconv.Atoi(code)
		if err != nil || status < 100 || status > 999 {
			return 0, "", "", fmt.Errorf("%w: status %q", errWireFormat, code)
		}
		if status >= 100 && status < 200 && status != 101 {
			// Interim response: discard its header block and wait for
			// the final status line.
			if _, err := s.readHeaderBlock(br); err != nil {
				return 0, "", "", err
			}
			continue
		}
		return status, version, reason, nil
	}
}

// readHeaderBlock reads header lines up to the blank separator.
func (s *Stream) readHeaderBlock(br *bufio.Reader) ([][2]string, error) {
	var hdrs [][2]string
	for {
		s.deadline(false)
		line, err := readLineLimit(br, s.ep.MaxLineBytes)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return hdrs, nil
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: header %q", errWireFormat, line)
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		hdrs = append(hdrs, [2]string{name, value})
	}
}

// bodyReader picks the body framing. A nil reader means no body.
func (s *Stream) bodyReader(br *bufio.Reader, status int, hdrs [][2]string) (io.Reader, error) {
	if s.ep.ExpectNoBody || status == 204 || status == 304 || (status >= 100 && status < 200) {
		return nil, nil
	}
	if headerHas(hdrs, "Transfer-Encoding", "chunked") {
		return &chunkedReader{br: br, remain: -1, maxLine: s.ep.MaxLineBytes}, nil
	}
	if v := headerGet(hdrs, "Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: content-length %q", errWireFormat, v)
		}
		if n == 0 {
			return nil, nil
		}
		return &lengthReader{br: br, remain: n}, nil
	}
	// No framing: the body runs until the peer closes.
	return br, nil
}

func headerGet(hdrs [][2]string, name string) string {
	for _, h := range hdrs {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

func headerHas(hdrs [][2]string, name, token string) bool {
	for _, h := range hdrs {
		if strings.EqualFold(h[0], name) && strings.Contains(strings.ToLower(h[1]), token) {
			return true
		}
	}
	return false
}

// lengthReader reads exactly remain bytes and turns a short read into
// a truncation error.
type lengthReader struct {
	br     io.Reader
	remain int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remain {
		p = p[:l.remain]
	}
	n, err := l.br.Read(p)
	l.remain -= int64(n)
	if err == io.EOF && l.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// chunkedReader decodes Transfer-Encoding: chunked, discarding
// trailers.
type chunkedReader struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.discardTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := readLineLimit(c.br, c.maxLine)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk size", errWireFormat)
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: chunk size %q", errWireFormat, line)
	}
	return n, nil
}

func (c *chunkedReader) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("%w: missing chunk boundary", errWireFormat)
	}
	return nil
}

func (c *chunkedReader) discardTrailers() error {
	for {
		line, err := readLineLimit(c.br, c.maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func readLineLimit(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}
