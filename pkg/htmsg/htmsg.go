// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package htmsg implements the structured HTTP message representation
// moved between the client engine and the transport stream. A message
// is an ordered sequence of typed segments: a start line, header pairs,
// an end-of-headers marker, data segments and an end-of-trailers marker,
// plus an end-of-message flag that must be set exactly once.
package htmsg

import "errors"

var (
	// ErrFull is returned when a segment does not fit in the message's byte budget.
	ErrFull = errors.New("message buffer full")

	// ErrEmptyMessage is returned when end-of-message is set on a message
	// with no segments. An explicit EOT segment is required first so the
	// endpoint has something to carry the flag on.
	ErrEmptyMessage = errors.New("cannot end an empty message")

	// ErrEndOfMessage is returned when appending to a completed message.
	ErrEndOfMessage = errors.New("message already ended")
)

// Kind identifies a segment type.
type Kind uint8

const (
	KindRequestLine Kind = iota + 1
	KindStatusLine
	KindHeader
	KindEOH
	KindData
	KindEOT
)

func (k Kind) String() string {
	switch k {
	case KindRequestLine:
		return "request-line"
	case KindStatusLine:
		return "status-line"
	case KindHeader:
		return "header"
	case KindEOH:
		return "eoh"
	case KindData:
		return "data"
	case KindEOT:
		return "eot"
	default:
		return "unknown"
	}
}

// Segment is one typed block of a message. Only the fields matching
// Kind are meaningful.
type Segment struct {
	Kind Kind

	// Start line fields. Version is shared by both directions.
	Method  string
	URI     string
	Version string
	Status  int
	Reason  string

	// Header fields.
	Name  string
	Value string

	// Data payload. Owned by the message.
	Data []byte
}

// size is the room a segment consumes against the message budget.
func (s *Segment) size() int {
	switch s.Kind {
	case KindData:
		return len(s.Data)
	case KindHeader:
		return len(s.Name) + len(s.Value) + 4
	case KindRequestLine:
		return len(s.Method) + len(s.URI) + len(s.Version) + 4
	case KindStatusLine:
		return len(s.Version) + len(s.Reason) + 8
	default:
		return 1
	}
}

// Message is an owned, bounded segment arena. It is single-owner: the
// side currently holding the turn mutates it, callers synchronize
// externally. All offset arithmetic is hidden behind the semantic
// operations below.
type Message struct {
	segs []Segment
	used int
	max  int
	eom  bool
}

// DefaultMaxBytes bounds a message when no explicit budget is given.
const DefaultMaxBytes = 16 * 1024

// New creates an empty message with the given byte budget.
// A non-positive max falls back to DefaultMaxBytes.
func New(max int) *Message {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return &Message{max: max}
}

// Room returns how many payload bytes still fit.
func (m *Message) Room() int {
	if m.used >= m.max {
		return 0
	}
	return m.max - m.used
}

// Len returns the byte count currently held, all segment kinds included.
func (m *Message) Len() int { return m.used }

// DataLen returns the byte count held in data segments only.
func (m *Message) DataLen() int {
	n := 0
	for i := range m.segs {
		if m.segs[i].Kind == KindData {
			n += len(m.segs[i].Data)
		}
	}
	return n
}

// Empty reports whether the message holds no segments. The EOM flag is
// not a segment and survives consumption.
func (m *Message) Empty() bool { return len(m.segs) == 0 }

// SegCount returns the number of segments currently held.
func (m *Message) SegCount() int { return len(m.segs) }

// EOM reports whether end-of-message was set.
func (m *Message) EOM() bool { return m.eom }

// SetEOM marks the message complete. It fails on a message with no
// segments: append an EOT first so the flag has a carrier.
func (m *Message) SetEOM() error {
	if m.Empty() && !m.eom {
		return ErrEmptyMessage
	}
	m.eom = true
	return nil
}

// forceEOM propagates a completion flag during transfers, where the
// carrier segment already moved.
func (m *Message) forceEOM() { m.eom = true }

func (m *Message) append(seg Segment) error {
	if m.eom {
		return ErrEndOfMessage
	}
	sz := seg.size()
	if sz > m.Room() {
		return ErrFull
	}
	m.segs = append(m.segs, seg)
	m.used += sz
	return nil
}

// AppendRequestLine appends a request start line.
func (m *Message) AppendRequestLine(method, uri, version string) error {
	return m.append(Segment{Kind: KindRequestLine, Method: method, URI: uri, Version: version})
}

// AppendStatusLine appends a response start line.
func (m *Message) AppendStatusLine(version string, status int, reason string) error {
	return m.append(Segment{Kind: KindStatusLine, Version: version, Status: status, Reason: reason})
}

// AppendHeader appends one header pair.
func (m *Message) AppendHeader(name, value string) error {
	return m.append(Segment{Kind: KindHeader, Name: name, Value: value})
}

// AppendEOH appends the end-of-headers marker.
func (m *Message) AppendEOH() error {
	return m.append(Segment{Kind: KindEOH})
}

// AppendEOT appends the end-of-trailers marker, the explicit terminator
// an otherwise empty message needs before SetEOM.
func (m *Message) AppendEOT() error {
	return m.append(Segment{Kind: KindEOT})
}

// AppendData copies as much of p as fits and returns the number of
// bytes taken. A zero return with a non-empty p means the buffer is
// full, not an error.
func (m *Message) AppendData(p []byte) (int, error) {
	if m.eom {
		return 0, ErrEndOfMessage
	}
	room := m.Room()
	if room == 0 || len(p) == 0 {
		return 0, nil
	}
	n := len(p)
	if n > room {
		n = room
	}
	// Extend the tail data segment instead of growing the arena.
	if last := len(m.segs) - 1; last >= 0 && m.segs[last].Kind == KindData {
		m.segs[last].Data = append(m.segs[last].Data, p[:n]...)
	} else {
		buf := make([]byte, n)
		copy(buf, p)
		m.segs = append(m.segs, Segment{Kind: KindData, Data: buf})
	}
	m.used += n
	return n, nil
}

// AppendDataAtOnce copies p entirely or fails without touching the message.
func (m *Message) AppendDataAtOnce(p []byte) error {
	if m.eom {
		return ErrEndOfMessage
	}
	if len(p) > m.Room() {
		return ErrFull
	}
	_, err := m.AppendData(p)
	return err
}

// Peek returns the head segment without consuming it.
func (m *Message) Peek() (*Segment, bool) {
	if len(m.segs) == 0 {
		return nil, false
	}
	return &m.segs[0], true
}

// Consume removes the head segment.
func (m *Message) Consume() {
	if len(m.segs) == 0 {
		return
	}
	m.used -= m.segs[0].size()
	m.segs = m.segs[1:]
}

// CutData removes n bytes from the front of the head data segment,
// dropping the segment once emptied. It is a no-op on non-data heads.
func (m *Message) CutData(n int) {
	seg, ok := m.Peek()
	if !ok || seg.Kind != KindData {
		return
	}
	if n >= len(seg.Data) {
		m.Consume()
		return
	}
	seg.Data = seg.Data[n:]
	m.used -= n
}

// TransferTo moves segments from m into dst, at most max payload bytes,
// splitting data segments to honor dst's room. Control segments move
// only when they fit whole. If the transfer empties m and m carries
// EOM, the flag is propagated to dst. Returns the bytes moved.
func (m *Message) TransferTo(dst *Message, max int) int {
	if max <= 0 {
		max = m.used
	}
	moved := 0
	for moved < max {
		seg, ok := m.Peek()
		if !ok {
			break
		}
		if seg.Kind == KindData {
			want := len(seg.Data)
			if want > max-moved {
				want = max - moved
			}
			n, _ := dst.AppendData(seg.Data[:want])
			if n == 0 {
				break
			}
			m.CutData(n)
			moved += n
			if n < want {
				break
			}
			continue
		}
		sz := seg.size()
		if sz > dst.Room() || sz > max-moved {
			break
		}
		if dst.append(*seg) != nil {
			break
		}
		m.Consume()
		moved += sz
	}
	if m.Empty() && m.eom {
		dst.forceEOM()
	}
	return moved
}

// Reset drops all segments and clears the EOM flag, keeping the budget.
func (m *Message) Reset() {
	m.segs = nil
	m.used = 0
	m.eom = false
}
