// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package resolver exposes the runtime name-resolution facility the
// client engine defers to when a target host is not a literal IP and
// no destination override exists.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/go-playground/validator/v10"

	relayderr "github.com/nsofnetworks/relayd/pkg/errors"
)

// DefaultID is the only built-in resolver section.
const DefaultID = "default"

// Config selects which resolver configuration and address-family
// preference to use. Both knobs are optional: leaving them empty keeps
// best-effort defaults, while configuring them makes related failures
// fatal at startup.
type Config struct {
	// ID names the resolver section to use.
	ID string `env:"ID" validate:"omitempty,hostname_rfc1123"`

	// Prefer selects the address family tried first.
	Prefer string `env:"PREFER" validate:"omitempty,oneof=ipv4 ipv6"`

	// Logger for resolution events
	Logger *slog.Logger
}

// Resolver performs deferred hostname resolution for the client engine.
type Resolver struct {
	cfg Config
	res *net.Resolver
}

// New creates a resolver from the configuration. An explicitly
// configured but unknown resolver ID is a hard startup error; an
// unset ID silently falls back to the default section.
func New(cfg Config) (*Resolver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid resolver config: %w", err)
	}

	if cfg.ID != "" && cfg.ID != DefaultID {
		return nil, fmt.Errorf("resolver section %q: %w", cfg.ID, relayderr.ErrResolveFailed)
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}

	return &Resolver{
		cfg: cfg,
		res: net.DefaultResolver,
	}, nil
}

// Resolve yields one address for the host, honoring the configured
// address-family preference and falling back to the other family when
// the preferred one has no records.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	networks := []string{"ip"}
	switch r.cfg.Prefer {
	case "ipv4":
		networks = []string{"ip4", "ip6"}
	case "ipv6":
		networks = []string{"ip6", "ip4"}
	}

	var lastErr error
	for _, network := range networks {
		addrs, err := r.res.LookupNetIP(ctx, network, host)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			r.cfg.Logger.Debug("resolved host",
				slog.String("host", host),
				slog.String("addr", addrs[0].String()))
			return addrs[0].Unmap(), nil
		}
	}

	if lastErr == nil {
		lastErr = relayderr.ErrResolveFailed
	}
	return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, lastErr)
}
