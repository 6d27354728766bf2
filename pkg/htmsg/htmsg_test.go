// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package htmsg

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessage_SegmentOrdering(t *testing.T) {
	m := New(0)

	if err := m.AppendRequestLine("GET", "/", "HTTP/1.1"); err != nil {
		t.Fatalf("AppendRequestLine() error = %v", err)
	}
	if err := m.AppendHeader("Host", "example.com"); err != nil {
		t.Fatalf("AppendHeader() error = %v", err)
	}
	if err := m.AppendEOH(); err != nil {
		t.Fatalf("AppendEOH() error = %v", err)
	}
	if _, err := m.AppendData([]byte("hello")); err != nil {
		t.Fatalf("AppendData() error = %v", err)
	}
	if err := m.SetEOM(); err != nil {
		t.Fatalf("SetEOM() error = %v", err)
	}

	want := []Kind{KindRequestLine, KindHeader, KindEOH, KindData}
	for i, k := range want {
		seg, ok := m.Peek()
		if !ok {
			t.Fatalf("Peek() at %d: no segment", i)
		}
		if seg.Kind != k {
			t.Errorf("segment %d kind = %v, want %v", i, seg.Kind, k)
		}
		m.Consume()
	}
	if !m.Empty() {
		t.Error("expected message to be empty after consuming all segments")
	}
	if !m.EOM() {
		t.Error("EOM flag should survive consumption")
	}
}

func TestMessage_SetEOMOnEmpty(t *testing.T) {
	m := New(0)

	if err := m.SetEOM(); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("SetEOM() on empty message error = %v, want ErrEmptyMessage", err)
	}

	// An explicit terminator makes the empty message endable.
	if err := m.AppendEOT(); err != nil {
		t.Fatalf("AppendEOT() error = %v", err)
	}
	if err := m.SetEOM(); err != nil {
		t.Fatalf("SetEOM() after EOT error = %v", err)
	}
	if !m.EOM() {
		t.Error("EOM not set")
	}
}

func TestMessage_AppendAfterEOM(t *testing.T) {
	m := New(0)
	if err := m.AppendEOT(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetEOM(); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendHeader("X", "y"); !errors.Is(err, ErrEndOfMessage) {
		t.Errorf("AppendHeader() after EOM error = %v, want ErrEndOfMessage", err)
	}
	if _, err := m.AppendData([]byte("x")); !errors.Is(err, ErrEndOfMessage) {
		t.Errorf("AppendData() after EOM error = %v, want ErrEndOfMessage", err)
	}
}

func TestMessage_AppendDataPartial(t *testing.T) {
	m := New(8)

	n, err := m.AppendData([]byte("0123456789"))
	if err != nil {
		t.Fatalf("AppendData() error = %v", err)
	}
	if n != 8 {
		t.Errorf("AppendData() copied %d bytes, want 8", n)
	}
	if m.Room() != 0 {
		t.Errorf("Room() = %d, want 0", m.Room())
	}

	// Full buffer: short write of zero, not an error.
	n, err = m.AppendData([]byte("x"))
	if err != nil || n != 0 {
		t.Errorf("AppendData() on full buffer = (%d, %v), want (0, nil)", n, err)
	}

	if err := m.AppendDataAtOnce([]byte("x")); !errors.Is(err, ErrFull) {
		t.Errorf("AppendDataAtOnce() error = %v, want ErrFull", err)
	}
}

func TestMessage_CutData(t *testing.T) {
	m := New(0)
	if _, err := m.AppendData([]byte("abcdef")); err != nil {
		t.Fatal(err)
	}

	m.CutData(2)
	seg, ok := m.Peek()
	if !ok || !bytes.Equal(seg.Data, []byte("cdef")) {
		t.Fatalf("after CutData(2), head = %q", seg.Data)
	}
	if m.Len() != 4 {
		t.Errorf("Len() = %d, want 4", m.Len())
	}

	m.CutData(10)
	if !m.Empty() {
		t.Error("cutting past the segment should remove it")
	}
}

func TestMessage_TransferTo(t *testing.T) {
	src := New(0)
	if err := src.AppendRequestLine("POST", "/x", "HTTP/1.1"); err != nil {
		t.Fatal(err)
	}
	if err := src.AppendEOH(); err != nil {
		t.Fatal(err)
	}
	if _, err := src.AppendData([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := src.SetEOM(); err != nil {
		t.Fatal(err)
	}

	dst := New(0)
	moved := src.TransferTo(dst, 0)
	if moved == 0 {
		t.Fatal("TransferTo() moved nothing")
	}
	if !src.Empty() {
		t.Error("source not drained")
	}
	if !dst.EOM() {
		t.Error("EOM not propagated to destination")
	}
	if dst.SegCount() != 3 {
		t.Errorf("destination has %d segments, want 3", dst.SegCount())
	}
}

func TestMessage_TransferToSplitsData(t *testing.T) {
	src := New(0)
	if _, err := src.AppendData([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := src.SetEOM(); err != nil {
		t.Fatal(err)
	}

	dst := New(4)
	if moved := src.TransferTo(dst, 0); moved != 4 {
		t.Fatalf("TransferTo() moved %d bytes, want 4", moved)
	}
	if dst.EOM() {
		t.Error("EOM must not propagate while source still holds data")
	}

	// A drained destination with room takes the rest.
	rest := New(16)
	if moved := src.TransferTo(rest, 0); moved != 6 {
		t.Fatalf("second TransferTo() moved %d bytes, want 6", moved)
	}
	if !rest.EOM() {
		t.Error("EOM should propagate once the source is drained")
	}
}

func TestMessage_TransferToControlSegmentNeedsRoom(t *testing.T) {
	src := New(0)
	if err := src.AppendHeader("Content-Type", "application/json"); err != nil {
		t.Fatal(err)
	}

	dst := New(2) // too small for the header segment
	if moved := src.TransferTo(dst, 0); moved != 0 {
		t.Errorf("TransferTo() moved %d, want 0: control segments never split", moved)
	}
	if src.Empty() {
		t.Error("source must keep the segment that did not fit")
	}
}
