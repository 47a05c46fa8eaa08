// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/feedmux/agent/cache"
	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/lib/telemetry"
	"github.com/hashicorp/feedmux/logging"
	"github.com/hashicorp/feedmux/tlsutil"
)

// RuntimeConfig is the validated, typed form of Config. Components are
// built from it and never look at Config directly.
type RuntimeConfig struct {
	Logging logging.Config

	Component       string
	ProtocolVersion string

	// Endpoints and PreferredHost feed the channel router. Empty when the
	// file only configures a provider.
	Endpoints     []router.Endpoint
	PreferredHost router.PreferredHostOptions

	PingInterval          time.Duration
	ReconnectMinDelay     time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectAttemptLimit int
	WriteQueueSize        int
	WebSocketPath         string

	// TLS is used for endpoints and listeners with the tls or websocket
	// transport.
	TLS tlsutil.Config

	LoginUser string

	ListenAddress        string
	ListenTransport      transport.Kind
	ListenWebSocketPath  string
	ListenPingInterval   time.Duration
	ListenWriteQueueSize int

	Tunnels []TunnelConfig

	Pool PoolConfig

	CacheEnabled bool
	Cache        cache.Options

	Telemetry telemetry.Config
}

// TunnelConfig is one tunnel stream with its parsed class of service.
type TunnelConfig struct {
	Name           string
	Domain         structs.DomainType
	ServiceID      uint16
	ClassOfService structs.ClassOfService
}

// PoolConfig sizes the buffer pool.
type PoolConfig struct {
	MinSize     int
	MaxSize     int
	MaxLeased   int
	MaxIdle     int
	MaxIdleTime time.Duration
}

// Tunnel returns the tunnel named name.
func (c *RuntimeConfig) Tunnel(name string) (TunnelConfig, bool) {
	for _, t := range c.Tunnels {
		if t.Name == name {
			return t, true
		}
	}
	return TunnelConfig{}, false
}

// SupportedTunnels is the class of service a provider offers per domain.
func (c *RuntimeConfig) SupportedTunnels() map[structs.DomainType]structs.ClassOfService {
	out := make(map[structs.DomainType]structs.ClassOfService, len(c.Tunnels))
	for _, t := range c.Tunnels {
		out[t.Domain] = t.ClassOfService
	}
	return out
}

// NeedsTLS reports whether a configurator has to be built for the channel
// endpoints or the listener.
func (c *RuntimeConfig) NeedsTLS() bool {
	if c.ListenAddress != "" && c.ListenTransport == transport.KindTLS {
		return true
	}
	for _, ep := range c.Endpoints {
		if ep.Transport == transport.KindTLS {
			return true
		}
	}
	return c.TLS.CertFile != "" || c.TLS.CAFile != "" || c.TLS.CAPath != ""
}

// NewPool builds the buffer pool described by the pool block.
func (c *RuntimeConfig) NewPool(logger hclog.Logger) *pool.BufferPool {
	return &pool.BufferPool{
		MinSize:     c.Pool.MinSize,
		MaxSize:     c.Pool.MaxSize,
		MaxLeased:   c.Pool.MaxLeased,
		MaxIdle:     c.Pool.MaxIdle,
		MaxIdleTime: c.Pool.MaxIdleTime,
		Logger:      logger,
	}
}

// NewCache returns the payload cache, or nil when caching is disabled.
func (c *RuntimeConfig) NewCache() (cache.Store, error) {
	if !c.CacheEnabled {
		return nil, nil
	}
	lru, err := cache.NewLRU(c.Cache)
	if err != nil {
		return nil, err
	}
	return lru, nil
}
