// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nsofnetworks/relayd/pkg/httpclient"
)

func TestChecker_Health(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("good", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %v, want degraded", status)
	}
	if len(checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(checks))
	}
}

func TestChecker_CachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("check ran %d times within the cache TTL, want 1", calls)
	}
}

func TestChecker_HTTPHandler(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("good", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Errorf("reported status = %v, want healthy", body.Status)
	}
}

func TestProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer ts.Close()

	rt, err := httpclient.NewRuntime(httpclient.RuntimeConfig{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := Probe(rt, ts.URL+"/up")(ctx); err != nil {
		t.Errorf("healthy probe failed: %v", err)
	}
	if err := Probe(rt, ts.URL+"/down")(ctx); err == nil {
		t.Error("unhealthy probe reported no error")
	}
}
