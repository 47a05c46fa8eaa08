// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package helpers holds what the long running commands share: logging and
// telemetry setup, the dispatch loop, signal handling and the metrics
// endpoint.
package helpers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp/feedmux/agent/config"
	"github.com/hashicorp/feedmux/agent/reactor"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/lib/telemetry"
	"github.com/hashicorp/feedmux/logging"
	"github.com/hashicorp/feedmux/tlsutil"
)

// DispatchInterval bounds how long one dispatch pass blocks, and so how
// quickly the loop notices cancellation.
const DispatchInterval = 100 * time.Millisecond

// Setup builds the root logger, writing through ui, and installs the global
// metrics registry.
func Setup(rt *config.RuntimeConfig, ui cli.Ui) (hclog.InterceptLogger, *telemetry.Metrics, error) {
	logger, err := logging.Setup(rt.Logging, &cli.UiWriter{Ui: ui})
	if err != nil {
		return nil, nil, err
	}
	m, err := telemetry.Init(rt.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return logger, m, nil
}

// TLSConfigurator returns nil when nothing in rt needs TLS.
func TLSConfigurator(rt *config.RuntimeConfig, logger hclog.Logger) (*tlsutil.Configurator, error) {
	if !rt.NeedsTLS() {
		return nil, nil
	}
	return tlsutil.NewConfigurator(rt.TLS, logger)
}

// NewReactor builds a reactor from rt. A nil dialer dials the network.
func NewReactor(rt *config.RuntimeConfig, dialer transport.Dialer, tls *tlsutil.Configurator, logger hclog.Logger) (*reactor.Reactor, error) {
	if dialer == nil {
		dialer = &transport.NetDialer{
			TLSConfigurator: tls,
			WebSocketPath:   rt.WebSocketPath,
			Logger:          logger,
		}
	}
	return reactor.New(reactor.Options{
		Pool:            rt.NewPool(logger),
		Dialer:          dialer,
		Logger:          logger,
		ProtocolVersion: rt.ProtocolVersion,
		Component:       rt.Component,
	})
}

// Dispatch drives r until ctx is done. after runs between passes on the
// dispatch goroutine; an error from it ends the loop.
func Dispatch(ctx context.Context, r *reactor.Reactor, after func() error) error {
	for ctx.Err() == nil {
		if _, err := r.Dispatch(DispatchInterval); err != nil {
			return err
		}
		if after != nil {
			if err := after(); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleSignals cancels on SIGINT, SIGTERM, a close of shutdownCh or when
// the optional duration elapsed. SIGHUP calls reload. It returns when ctx
// is done.
func HandleSignals(ctx context.Context, cancel context.CancelFunc, shutdownCh <-chan struct{}, duration time.Duration, reload func(), logger hclog.Logger) error {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalCh)

	var deadline <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case sig := <-signalCh:
			if sig == syscall.SIGHUP {
				logger.Info("caught signal, reloading", "signal", sig)
				if reload != nil {
					reload()
				}
				continue
			}
			logger.Info("caught signal, shutting down", "signal", sig)
			cancel()
		case <-shutdownCh:
			cancel()
		case <-deadline:
			logger.Info("run duration elapsed, shutting down", "duration", duration)
			cancel()
		case <-ctx.Done():
			return nil
		}
	}
}

// ServeMetrics listens on addr and serves the Prometheus exposition under
// /metrics until ctx is done. The returned function runs the server.
func ServeMetrics(ctx context.Context, addr string, m *telemetry.Metrics, logger hclog.Logger) (net.Addr, func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	run := func() error {
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		logger.Info("serving metrics", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return ln.Addr(), run, nil
}
