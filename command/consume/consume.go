// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package consume

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/feedmux/agent/config"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
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

	endpoints   flags.AppendSliceValue
	transport   string
	user        string
	service     string
	items       flags.AppendSliceValue
	view        flags.AppendSliceValue
	batch       bool
	tunnel      string
	send        flags.AppendSliceValue
	metricsAddr string
	duration    time.Duration

	// shutdownCh and dialer are replaced by tests.
	shutdownCh <-chan struct{}
	dialer     transport.Dialer
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	flags.Merge(c.flags, c.cfg.Flags())
	c.flags.Var(&c.endpoints, "endpoint",
		"Address of a provider as host:port. May be given multiple times to "+
			"build the failover list, in order. Replaces the endpoints of the "+
			"configuration file.")
	c.flags.StringVar(&c.transport, "transport", "tcp",
		"Transport used for -endpoint addresses: tcp, tls or websocket.")
	c.flags.StringVar(&c.user, "user", "",
		"User name sent on the login stream. Defaults to the login block of "+
			"the configuration file, then to the current user.")
	c.flags.StringVar(&c.service, "service", "",
		"Service name requested on the source directory stream.")
	c.flags.Var(&c.items, "item",
		"Item to subscribe to, as domain:name or just name for market_price. "+
			"May be given multiple times.")
	c.flags.Var(&c.view, "view",
		"Field to request on every item. May be given multiple times; without "+
			"it items carry every field.")
	c.flags.BoolVar(&c.batch, "batch", false,
		"Request the items of each domain with a single batch request.")
	c.flags.StringVar(&c.tunnel, "tunnel", "",
		"Name of a tunnel block of the configuration file to open once the "+
			"channel is up.")
	c.flags.Var(&c.send, "send",
		"Message to send on the tunnel stream once it is open. May be given "+
			"multiple times; messages are sent in order.")
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
	if len(rt.Endpoints) == 0 {
		c.UI.Error("At least one endpoint is required, use -endpoint or a channel block")
		return 1
	}
	items, err := parseItems(c.items)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	base, m, err := helpers.Setup(rt, c.UI)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer m.Shutdown()
	logger := base.Named(logging.Consume)

	s, err := c.start(rt, items, logger)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error starting consumer: %v", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return helpers.Dispatch(gctx, s.r, s.afterDispatch)
	})
	g.Go(func() error {
		return helpers.HandleSignals(gctx, cancel, c.shutdownCh, c.duration, func() { c.reload(s) }, logger)
	})
	if c.metricsAddr != "" {
		addr, serve, err := helpers.ServeMetrics(gctx, c.metricsAddr, m, logger)
		if err != nil {
			cancel()
			g.Wait()
			s.r.Shutdown()
			c.UI.Error(fmt.Sprintf("Error serving metrics: %v", err))
			return 1
		}
		c.UI.Info(fmt.Sprintf("Serving metrics on %s", addr))
		g.Go(serve)
	}
	if c.cfg.File != "" {
		w, err := config.NewFileWatcher([]string{c.cfg.File}, logger)
		if err != nil {
			logger.Warn("not watching configuration file", "error", err)
		} else {
			g.Go(func() error {
				if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				for ev := range w.Events() {
					logger.Info("configuration file changed", "file", ev.Filename)
					c.reload(s)
				}
				return nil
			})
		}
	}

	err = g.Wait()
	if serr := s.r.Shutdown(); serr != nil {
		logger.Error("error shutting down", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}

// runtimeConfig loads the configuration file and applies the flags. It is
// also used on reload, so flag overrides survive file changes.
func (c *cmd) runtimeConfig() (*config.RuntimeConfig, error) {
	cfg, err := c.cfg.Load()
	if err != nil {
		return nil, err
	}
	if len(c.endpoints) > 0 {
		cfg.Channel.Endpoints = nil
		for _, addr := range c.endpoints {
			cfg.Channel.Endpoints = append(cfg.Channel.Endpoints, config.Endpoint{
				Address:   addr,
				Transport: c.transport,
			})
		}
	}
	if c.user != "" {
		cfg.Login.User = c.user
	}
	if cfg.Login.User == "" {
		cfg.Login.User = "feedmux"
		if u, err := user.Current(); err == nil && u.Username != "" {
			cfg.Login.User = u.Username
		}
	}
	if cfg.Component == config.Default().Component {
		cfg.Component = version.Component()
	}
	return config.Build(cfg)
}

// reload rereads the configuration and moves the channel to the new
// endpoint list. It runs off the dispatch goroutine and hands the change
// over with Post.
func (c *cmd) reload(s *session) {
	rt, err := c.runtimeConfig()
	if err != nil {
		s.logger.Error("failed to reload configuration", "error", err)
		return
	}
	if len(rt.Endpoints) == 0 {
		s.logger.Warn("reloaded configuration has no endpoints, keeping the current ones")
		return
	}
	err = s.r.Post(func() {
		if err := s.r.Reconfigure(s.h, rt.Endpoints, rt.PreferredHost); err != nil {
			s.logger.Error("failed to apply endpoints", "error", err)
			return
		}
		s.logger.Info("endpoints reconfigured", "endpoints", len(rt.Endpoints))
	})
	if err != nil {
		s.logger.Error("failed to reload configuration", "error", err)
	}
}

// item is one -item flag.
type item struct {
	domain structs.DomainType
	name   string
}

func (i item) String() string {
	return fmt.Sprintf("%s:%s", i.domain, i.name)
}

func parseItems(raw []string) ([]item, error) {
	out := make([]item, 0, len(raw))
	for _, r := range raw {
		it := item{domain: structs.DomainMarketPrice, name: r}
		if d, name, ok := strings.Cut(r, ":"); ok {
			if domain, err := structs.ParseDomainType(d); err == nil {
				it = item{domain: domain, name: name}
			}
		}
		if it.name == "" {
			return nil, fmt.Errorf("invalid item %q: name is required", r)
		}
		switch it.domain {
		case structs.DomainLogin, structs.DomainSource:
			return nil, fmt.Errorf("invalid item %q: %s is not an item domain", r, it.domain)
		}
		out = append(out, it)
	}
	return out, nil
}

func (c *cmd) start(rt *config.RuntimeConfig, items []item, logger hclog.Logger) (*session, error) {
	tls, err := helpers.TLSConfigurator(rt, logger)
	if err != nil {
		return nil, err
	}
	r, err := helpers.NewReactor(rt, c.dialer, tls, logger)
	if err != nil {
		return nil, err
	}
	s := &session{
		ui:     c.UI,
		r:      r,
		logger: logger,
		labels: make(map[int32]string),
		view:   c.view,
		batch:  c.batch,
	}
	if err := s.open(rt, c.service, items, c.tunnel, c.send); err != nil {
		r.Shutdown()
		return nil, err
	}
	return s, nil
}

func (c *cmd) Synopsis() string {
	return "Connects to providers and subscribes to items"
}

func (c *cmd) Help() string {
	return c.help
}

const help = `
Usage: feedmux consume [options]

  Connects to the first reachable provider of the endpoint list, logs in,
  requests the source directory and subscribes to every -item. Refreshes,
  updates and status messages are printed as they arrive. The channel
  reconnects and replays the subscriptions when the connection is lost.

  With -tunnel, a tunnel stream described by the configuration file is
  opened and every -send message is sent on it once it is open.

      $ feedmux consume -endpoint 10.0.0.1:14002 -endpoint 10.0.0.2:14002 \
          -item IBM.N -item market_by_order:TRI.N
`
