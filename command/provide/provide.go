// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package provide

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/cli"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/feedmux/agent/config"
	"github.com/hashicorp/feedmux/agent/reactor"
	"github.com/hashicorp/feedmux/command/flags"
	"github.com/hashicorp/feedmux/command/helpers"
	"github.com/hashicorp/feedmux/logging"
	"github.com/hashicorp/feedmux/version"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	cfg   flags.ConfigFlags
	help  string

	listen         string
	transport      string
	service        string
	images         flags.FlagMapValue
	updateInterval time.Duration
	metricsAddr    string
	duration       time.Duration

	// shutdownCh and listener are replaced by tests.
	shutdownCh <-chan struct{}
	listener   net.Listener
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	flags.Merge(c.flags, c.cfg.Flags())
	c.flags.StringVar(&c.listen, "listen", "",
		"Address to accept consumers on, as host:port. Overrides the listen "+
			"block of the configuration file.")
	c.flags.StringVar(&c.transport, "transport", "",
		"Transport for -listen: tcp, tls or websocket.")
	c.flags.StringVar(&c.service, "service", "feedmux",
		"Service name advertised in the source directory.")
	c.flags.Var(&c.images, "image",
		"Refresh payload for an item, as name=payload. A payload of space "+
			"separated field:value pairs is trimmed to the fields of a view "+
			"request. Items without an image are answered with a generated "+
			"one. May be given multiple times.")
	c.flags.DurationVar(&c.updateInterval, "update-interval", 0,
		"Send an update on every open item stream at this interval. Zero "+
			"sends no updates.")
	c.flags.StringVar(&c.metricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on under /metrics.")
	c.flags.DurationVar(&c.duration, "duration", 0,
		"Stop after this long. Zero runs until interrupted.")
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	rt, err := c.runtimeConfig()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return 1
	}
	if rt.ListenAddress == "" && c.listener == nil {
		c.UI.Error("A listen address is required, use -listen or a listen block")
		return 1
	}

	base, m, err := helpers.Setup(rt, c.UI)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer m.Shutdown()
	logger := base.Named(logging.Provide)

	tls, err := helpers.TLSConfigurator(rt, logger)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading TLS configuration: %v", err))
		return 1
	}
	r, err := helpers.NewReactor(rt, nil, tls, logger)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error starting provider: %v", err))
		return 1
	}

	p := newProvider(r, c.service, c.images, c.updateInterval, logger)
	l, err := r.Listen(reactor.ListenOptions{
		Address:        rt.ListenAddress,
		Transport:      rt.ListenTransport,
		TLS:            tls,
		WebSocketPath:  rt.ListenWebSocketPath,
		Listener:       c.listener,
		PingInterval:   rt.ListenPingInterval,
		WriteQueueSize: rt.ListenWriteQueueSize,
		Tunnels:        rt.SupportedTunnels(),
		AcceptTunnel:   p.acceptTunnel,
		OnEvent:        p.onEvent,
		OnMessage:      p.onMessage,
	})
	if err != nil {
		r.Shutdown()
		c.UI.Error(fmt.Sprintf("Error listening: %v", err))
		return 1
	}
	c.UI.Info(fmt.Sprintf("Listening on %s", l.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return helpers.Dispatch(gctx, r, p.afterDispatch)
	})
	g.Go(func() error {
		return helpers.HandleSignals(gctx, cancel, c.shutdownCh, c.duration, nil, logger)
	})
	if c.metricsAddr != "" {
		addr, serve, err := helpers.ServeMetrics(gctx, c.metricsAddr, m, logger)
		if err != nil {
			cancel()
			g.Wait()
			r.Shutdown()
			c.UI.Error(fmt.Sprintf("Error serving metrics: %v", err))
			return 1
		}
		c.UI.Info(fmt.Sprintf("Serving metrics on %s", addr))
		g.Go(serve)
	}

	err = g.Wait()
	if serr := r.Shutdown(); serr != nil {
		logger.Error("error shutting down", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}

func (c *cmd) runtimeConfig() (*config.RuntimeConfig, error) {
	cfg, err := c.cfg.Load()
	if err != nil {
		return nil, err
	}
	if c.listen != "" {
		cfg.Listen.Address = c.listen
	}
	if c.transport != "" {
		cfg.Listen.Transport = c.transport
	}
	if c.listener != nil && cfg.Listen.Address == "" {
		cfg.Listen.Address = c.listener.Addr().String()
	}
	if cfg.Component == config.Default().Component {
		cfg.Component = version.Component()
	}
	return config.Build(cfg)
}

func (c *cmd) Synopsis() string {
	return "Serves generated market data to consumers"
}

func (c *cmd) Help() string {
	return c.help
}

const help = `
Usage: feedmux provide [options]

  Accepts consumer channels and answers their streams: logins are always
  accepted, the source directory lists a single service and every item
  request is answered with a refresh. With -update-interval, open item
  streams receive periodic updates.

  Tunnel streams are accepted for the domains of the tunnel blocks of the
  configuration file, and every message received on them is echoed back.

      $ feedmux provide -listen 127.0.0.1:14002 -image "IBM.N=BID:180.5 ASK:180.7"
`
