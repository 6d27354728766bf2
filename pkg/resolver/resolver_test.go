// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"testing"
	"time"
)

func TestNew_DefaultConfig(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.cfg.ID != DefaultID {
		t.Errorf("ID = %q, want %q", r.cfg.ID, DefaultID)
	}
}

func TestNew_UnknownSectionIsFatal(t *testing.T) {
	if _, err := New(Config{ID: "dns1"}); err == nil {
		t.Error("expected an error for an unknown resolver section")
	}
}

func TestNew_InvalidPreference(t *testing.T) {
	if _, err := New(Config{Prefer: "ipv5"}); err == nil {
		t.Error("expected a validation error")
	}
}

func TestResolve_Loopback(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, err := r.Resolve(ctx, "localhost")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !addr.IsLoopback() {
		t.Errorf("localhost resolved to %s", addr)
	}
}

func TestResolve_UnknownHost(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.Resolve(ctx, "does-not-exist.invalid"); err == nil {
		t.Error("expected a resolution error")
	}
}
