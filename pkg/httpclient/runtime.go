// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package httpclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nsofnetworks/relayd/pkg/breaker"
	"github.com/nsofnetworks/relayd/pkg/metrics"
	"github.com/nsofnetworks/relayd/pkg/ratelimit"
	"github.com/nsofnetworks/relayd/pkg/resolver"
	"github.com/nsofnetworks/relayd/pkg/xprt"
)

// RuntimeConfig holds the engine-wide knobs shared by all client
// instances.
type RuntimeConfig struct {
	// BufBytes is the per-message buffer budget for request and
	// response buffers.
	BufBytes int `env:"BUFSIZE" envDefault:"16384" validate:"min=1024"`

	// MaxHeaders caps the number of response headers accepted before
	// the exchange is aborted.
	MaxHeaders int `env:"MAX_HEADERS" envDefault:"101" validate:"min=1"`

	// Timeout is the default server-side timeout per exchange,
	// overridable per instance.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// DialTimeout bounds connection establishment and deferred name
	// resolution.
	DialTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`

	// Resolver configures deferred name resolution.
	Resolver resolver.Config `envPrefix:"RESOLVERS_"`

	// TLS configures the encrypted transport profile.
	TLS xprt.Config `envPrefix:"SSL_"`

	// RateRPS and RateBurst bound the per-host request rate. Zero RPS
	// disables limiting.
	RateRPS   float64 `env:"RATE_RPS" envDefault:"0"`
	RateBurst int     `env:"RATE_BURST" envDefault:"10"`

	// Breaker knobs. Zero MaxFailures disables the breaker.
	BreakerMaxFailures      int           `env:"BREAKER_MAX_FAILURES" envDefault:"0"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`

	// Logger for engine events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is the engine's instrumentation sink. Nil disables
	// instrumentation.
	Metrics *metrics.Metrics
}

// Runtime is the shared engine state: transport profiles, the
// resolution facility, rate limiting and breaker groups, and the
// instrumentation sink. One runtime serves any number of client
// instances.
type Runtime struct {
	cfg      RuntimeConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	profiles *xprt.Profiles
	resolver *resolver.Resolver
	limiter  *ratelimit.Limiter
	breakers *breaker.Group
}

// NewRuntime validates the configuration and builds the shared engine
// state. Transport and resolver setup honor the hard-error rule: an
// explicitly configured but broken facility aborts startup, an unset
// one degrades silently.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufBytes == 0 {
		cfg.BufBytes = 16384
	}
	if cfg.MaxHeaders == 0 {
		cfg.MaxHeaders = 101
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid httpclient config: %w", err)
	}

	cfg.TLS.Logger = cfg.Logger
	profiles, err := xprt.Build(cfg.TLS)
	if err != nil {
		return nil, err
	}

	cfg.Resolver.Logger = cfg.Logger
	res, err := resolver.New(cfg.Resolver)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		profiles: profiles,
		resolver: res,
	}

	if cfg.RateRPS > 0 {
		rt.limiter = ratelimit.New(cfg.RateRPS, cfg.RateBurst, 0)
	}
	if cfg.BreakerMaxFailures > 0 {
		rt.breakers = breaker.NewGroup(breaker.Config{
			MaxFailures:      cfg.BreakerMaxFailures,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		})
	}

	return rt, nil
}

// HasTLS reports whether https targets can be served.
func (rt *Runtime) HasTLS() bool { return rt.profiles.HasTLS() }

// Close releases the runtime's background resources.
func (rt *Runtime) Close() {
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}

func (rt *Runtime) allowStart(host string) bool {
	if rt.limiter == nil {
		return true
	}
	return rt.limiter.Allow(host)
}

func (rt *Runtime) breakerFor(host string) *breaker.CircuitBreaker {
	if rt.breakers == nil {
		return nil
	}
	return rt.breakers.Get(host)
}

func (rt *Runtime) countTLSSelection(scheme xprt.Scheme, err error) {
	if rt.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	rt.metrics.TLSSelections.WithLabelValues(scheme.String(), status).Inc()
}

func (rt *Runtime) countResolve(err error) {
	if rt.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	rt.metrics.ResolvesTotal.WithLabelValues(status).Inc()
}

func (rt *Runtime) countTaskInitError(reason string) {
	if rt.metrics != nil {
		rt.metrics.TaskInitErrors.WithLabelValues(reason).Inc()
	}
}

func (rt *Runtime) countStopped() {
	if rt.metrics != nil {
		rt.metrics.StoppedTasks.Inc()
	}
}

func (rt *Runtime) countHeaderOverflow() {
	if rt.metrics != nil {
		rt.metrics.HeaderOverflows.Inc()
	}
}
