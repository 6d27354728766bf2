// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nsofnetworks/relayd/pkg/health"
	"github.com/nsofnetworks/relayd/pkg/httpclient"
	"github.com/nsofnetworks/relayd/pkg/metrics"
)

const envPrefix = "RELAYD_HTTPCLIENT_"

type serveConfig struct {
	MetricsAddr string        `env:"METRICS_ADDR" envDefault:":9090"`
	HealthAddr  string        `env:"HEALTH_ADDR"  envDefault:":8080"`
	ProbeURLs   string        `env:"PROBE_URLS"`
	ProbeTTL    time.Duration `env:"PROBE_TTL"    envDefault:"10s"`
}

func main() {
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "request":
		if err := runRequest(os.Args[2:], logger); err != nil {
			logger.Error("request failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "serve":
		if err := runServe(logger); err != nil {
			logger.Error("relayd service terminated with error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("relayd service stopped")
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  relayd request [-d payload] [-H "Name: value"]... [-x host:port] [-t timeout] METHOD URL
  relayd serve
`)
}

// headerList collects repeated -H flags.
type headerList []httpclient.Header

func (h *headerList) String() string { return fmt.Sprintf("%d headers", len(*h)) }

func (h *headerList) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("header %q: want Name: value", v)
	}
	*h = append(*h, httpclient.Header{
		Name:  strings.TrimSpace(name),
		Value: strings.TrimSpace(value),
	})
	return nil
}

// runRequest performs a one-shot exchange and prints the response,
// status line and headers to stderr and the body to stdout.
func runRequest(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	var (
		hdrs    headerList
		payload = fs.String("d", "", "request payload")
		dst     = fs.String("x", "", "destination override, host:port with a literal IP")
		timeout = fs.Duration("t", 0, "exchange timeout")
	)
	fs.Var(&hdrs, "H", "request header, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		usage()
		return fmt.Errorf("request: want METHOD URL")
	}
	method, url := fs.Arg(0), fs.Arg(1)

	cfg, err := env.ParseAsWithOptions[httpclient.RuntimeConfig](env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	cfg.Logger = logger

	rt, err := httpclient.NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := httpclient.New(rt, nil, method, url)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	buf := make([]byte, 8192)
	c.Ops = httpclient.Callbacks{
		OnStatusLine: func(c *httpclient.Client) {
			fmt.Fprintf(os.Stderr, "%s %d %s\n", c.Res.Version, c.Res.Status, c.Res.Reason)
		},
		OnHeaders: func(c *httpclient.Client) {
			for _, h := range c.Res.Hdrs {
				fmt.Fprintf(os.Stderr, "%s: %s\n", h.Name, h.Value)
			}
			fmt.Fprintln(os.Stderr)
		},
		OnBodyChunk: func(c *httpclient.Client) {
			for {
				n := c.DrainResponse(buf)
				if n == 0 {
					return
				}
				os.Stdout.Write(buf[:n])
			}
		},
		OnEnd: func(c *httpclient.Client) {
			// Flush whatever the last chunk left behind.
			for {
				n := c.DrainResponse(buf)
				if n == 0 {
					break
				}
				os.Stdout.Write(buf[:n])
			}
			close(done)
		},
	}

	if *dst != "" {
		if err := c.SetDestination(*dst); err != nil {
			return err
		}
	}
	if *timeout > 0 {
		c.SetTimeout(*timeout)
	}

	if err := c.BuildRequest(url, method, hdrs, []byte(*payload)); err != nil {
		c.StopAndDestroy()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		c.StopAndDestroy()
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	status := c.Res.Status
	c.StopAndDestroy()

	if status == 0 {
		return fmt.Errorf("no response from %s", url)
	}
	return nil
}

// runServe exposes the engine's metrics and upstream probe health over
// HTTP until a shutdown signal arrives.
func runServe(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	srvCfg, err := env.ParseAsWithOptions[serveConfig](env.Options{Prefix: "RELAYD_"})
	if err != nil {
		return err
	}

	cfg, err := env.ParseAsWithOptions[httpclient.RuntimeConfig](env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	cfg.Logger = logger
	cfg.Metrics = metrics.New("relayd")

	rt, err := httpclient.NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	checker := health.NewChecker(srvCfg.ProbeTTL)
	for _, target := range strings.Split(srvCfg.ProbeURLs, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		checker.Register(target, health.Probe(rt, target))
		logger.Info("upstream probe registered", slog.String("url", target))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	startServer(g, ctx, srvCfg.MetricsAddr, metricsMux, "metrics", logger)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.HTTPHandler())
	healthMux.HandleFunc("/live", health.LivenessHandler())
	healthMux.HandleFunc("/ready", checker.ReadinessHandler())
	startServer(g, ctx, srvCfg.HealthAddr, healthMux, "health", logger)

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	return g.Wait()
}

func startServer(g *errgroup.Group, ctx context.Context, addr string, mux *http.ServeMux, name string, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		logger.Info(name+" server started", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
