// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package xprt holds the transport profiles available to the client
// engine: one raw profile, always present, and one TLS profile built
// at startup from the operator configuration. An https target with no
// TLS profile is a hard selection error.
package xprt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	relayderr "github.com/nsofnetworks/relayd/pkg/errors"
)

// Scheme identifies the transport flavor a target URL asks for.
type Scheme int

const (
	SchemeHTTP Scheme = iota
	SchemeHTTPS
)

func (s Scheme) String() string {
	if s == SchemeHTTPS {
		return "https"
	}
	return "http"
}

// Config holds the TLS knobs for the encrypted profile. Leaving both
// empty builds a best-effort profile from the system trust store;
// setting either makes a broken TLS setup fatal at startup.
type Config struct {
	// Verify is the peer verification mode.
	Verify string `env:"VERIFY" validate:"omitempty,oneof=none required"`

	// CAFile is the trust-store path used when verification is required.
	CAFile string `env:"CA_FILE"`

	// Logger for profile setup events
	Logger *slog.Logger
}

// Profile is one concrete transport flavor.
type Profile struct {
	Name string
	// TLS is nil for the raw profile.
	TLS *tls.Config
}

// Profiles holds the raw and (optional) TLS transport profiles.
type Profiles struct {
	raw *Profile
	tls *Profile
}

// Build creates the transport profiles. A failure to set up TLS only
// aborts startup when the operator configured it explicitly; otherwise
// the encrypted profile is disabled and https targets will fail at
// task initialization.
func Build(cfg Config) (*Profiles, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	hardError := cfg.Verify != "" || cfg.CAFile != ""

	p := &Profiles{
		raw: &Profile{Name: "raw"},
	}

	tlsConf, err := buildTLS(cfg)
	if err != nil {
		if hardError {
			return nil, fmt.Errorf("tls profile: %w", err)
		}
		cfg.Logger.Warn("TLS profile disabled", slog.String("error", err.Error()))
		return p, nil
	}

	p.tls = &Profile{Name: "tls", TLS: tlsConf}
	return p, nil
}

func buildTLS(cfg Config) (*tls.Config, error) {
	if cfg.Verify == "none" {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	// Verification required: load the configured trust store, or the
	// system one when no path was given.
	if cfg.CAFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system trust store: %w", err)
		}
		return &tls.Config{RootCAs: pool}, nil
	}

	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca-file %s: %w", cfg.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca-file %s holds no usable certificates", cfg.CAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Select returns the profile matching the scheme. It fails hard for
// https when no TLS profile was configured.
func (p *Profiles) Select(scheme Scheme) (*Profile, error) {
	switch scheme {
	case SchemeHTTPS:
		if p.tls == nil {
			return nil, relayderr.ErrNoTLSProfile
		}
		return p.tls, nil
	default:
		return p.raw, nil
	}
}

// HasTLS reports whether the encrypted profile is available.
func (p *Profiles) HasTLS() bool { return p.tls != nil }
