// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"

	"github.com/hashicorp/feedmux/agent/cache"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/logging"
	"github.com/hashicorp/feedmux/tlsutil"
)

// Build validates c and converts it into a RuntimeConfig. Every problem
// found is reported, not just the first.
func Build(c *Config) (*RuntimeConfig, error) {
	b := &builder{}
	rt := b.build(c)
	if b.err != nil {
		return nil, b.err
	}
	return rt, nil
}

type builder struct {
	err error
}

func (b *builder) addErr(format string, args ...interface{}) {
	b.err = multierror.Append(b.err, fmt.Errorf(format, args...))
}

func (b *builder) build(c *Config) *RuntimeConfig {
	rt := &RuntimeConfig{
		Logging: logging.Config{
			Name:        "feedmux",
			LogLevel:    c.LogLevel,
			LogJSON:     c.LogJSON,
			LogFilePath: c.LogFile,
		},
		Component:             c.Component,
		ProtocolVersion:       c.ProtocolVersion,
		PingInterval:          c.Channel.PingInterval,
		ReconnectMinDelay:     c.Channel.ReconnectMinDelay,
		ReconnectMaxDelay:     c.Channel.ReconnectMaxDelay,
		ReconnectAttemptLimit: c.Channel.ReconnectAttemptLimit,
		WriteQueueSize:        c.Channel.WriteQueueSize,
		WebSocketPath:         c.Channel.WebSocketPath,
		LoginUser:             c.Login.User,
		ListenAddress:         c.Listen.Address,
		ListenWebSocketPath:   c.Listen.WebSocketPath,
		ListenPingInterval:    c.Listen.PingInterval,
		ListenWriteQueueSize:  c.Listen.WriteQueueSize,
		Pool: PoolConfig{
			MinSize:     c.Pool.MinSize,
			MaxSize:     c.Pool.MaxSize,
			MaxLeased:   c.Pool.MaxLeased,
			MaxIdle:     c.Pool.MaxIdle,
			MaxIdleTime: c.Pool.MaxIdleTime,
		},
		CacheEnabled: c.Cache.Enabled,
		Cache: cache.Options{
			Size:       c.Cache.Size,
			ExpiryTime: c.Cache.ExpiryTime,
		},
		Telemetry: c.Telemetry,
	}

	if !logging.ValidateLogLevel(c.LogLevel) {
		b.addErr("log_level: invalid level %q, valid levels are %v", c.LogLevel, logging.AllowedLogLevels())
	}
	if c.ProtocolVersion != "" {
		if _, err := version.NewVersion(c.ProtocolVersion); err != nil {
			b.addErr("protocol_version: %v", err)
		}
	}

	b.channel(rt, c.Channel)
	b.listen(rt, c.Listen)
	b.tunnels(rt, c.Tunnels)

	if c.Pool.MinSize <= 0 || c.Pool.MaxSize < c.Pool.MinSize {
		b.addErr("pool: min_size must be positive and not above max_size")
	}
	if c.Pool.MaxLeased < 0 || c.Pool.MaxIdle < 0 || c.Pool.MaxIdleTime < 0 {
		b.addErr("pool: limits must not be negative")
	}
	if c.Cache.Size < 0 || c.Cache.ExpiryTime < 0 {
		b.addErr("cache: size and expiry_time must not be negative")
	}
	return rt
}

func (b *builder) channel(rt *RuntimeConfig, c Channel) {
	if c.PingInterval < 0 {
		b.addErr("channel.ping_interval must not be negative")
	}
	if c.ReconnectMinDelay <= 0 {
		b.addErr("channel.reconnect_min_delay must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		b.addErr("channel.reconnect_max_delay must be at least reconnect_min_delay")
	}
	if c.ReconnectAttemptLimit < -1 {
		b.addErr("channel.reconnect_attempt_limit must be -1 (unlimited) or more")
	}
	if c.WriteQueueSize < 0 {
		b.addErr("channel.write_queue_size must not be negative")
	}

	ciphers, err := tlsutil.ParseCiphers(c.TLS.CipherSuites)
	if err != nil {
		b.addErr("channel.tls.tls_cipher_suites: %v", err)
	}
	rt.TLS = tlsutil.Config{
		VerifyIncoming:       c.TLS.VerifyIncoming,
		VerifyServerHostname: c.TLS.VerifyServerHostname,
		CAFile:               c.TLS.CAFile,
		CAPath:               c.TLS.CAPath,
		CertFile:             c.TLS.CertFile,
		KeyFile:              c.TLS.KeyFile,
		ServerName:           c.TLS.ServerName,
		TLSMinVersion:        c.TLS.MinVersion,
		CipherSuites:         ciphers,
	}

	rt.PreferredHost = router.PreferredHostOptions{
		Enabled:           c.PreferredHost.Enabled,
		Index:             c.PreferredHost.Index,
		DetectionInterval: c.PreferredHost.DetectionInterval,
		DetectionSchedule: c.PreferredHost.DetectionSchedule,
		FallbackInterval:  c.PreferredHost.FallbackInterval,
	}
	if len(c.Endpoints) == 0 {
		if c.PreferredHost.Enabled {
			b.addErr("channel.preferred_host requires at least one endpoint")
		}
		return
	}

	for _, e := range c.Endpoints {
		kind, err := transport.ParseKind(e.Transport)
		if err != nil {
			b.addErr("channel.endpoint %q: %v", e.Address, err)
		}
		rt.Endpoints = append(rt.Endpoints, router.Endpoint{
			Name:      e.Name,
			Address:   e.Address,
			Transport: kind,
		})
	}
	if err := router.Validate(rt.Endpoints, rt.PreferredHost); err != nil {
		if merr, ok := err.(*multierror.Error); ok {
			for _, e := range merr.Errors {
				b.addErr("channel: %v", e)
			}
		} else {
			b.addErr("channel: %v", err)
		}
	}
}

func (b *builder) listen(rt *RuntimeConfig, l Listen) {
	kind, err := transport.ParseKind(l.Transport)
	if err != nil {
		b.addErr("listen.transport: %v", err)
	}
	rt.ListenTransport = kind

	if l.Address == "" {
		return
	}
	if err := transport.ValidateAddress(l.Address); err != nil {
		b.addErr("listen.address: %v", err)
	}
	if l.PingInterval < 0 || l.WriteQueueSize < 0 {
		b.addErr("listen: ping_interval and write_queue_size must not be negative")
	}
	if kind == transport.KindTLS && (rt.TLS.CertFile == "" || rt.TLS.KeyFile == "") {
		b.addErr("listen: the tls transport requires channel.tls.cert_file and key_file")
	}
}

func (b *builder) tunnels(rt *RuntimeConfig, tunnels []Tunnel) {
	names := make(map[string]struct{}, len(tunnels))
	for i, t := range tunnels {
		if t.Name == "" {
			b.addErr("tunnel %d: name is required", i)
		} else if _, dup := names[t.Name]; dup {
			b.addErr("tunnel %q: defined more than once", t.Name)
		}
		names[t.Name] = struct{}{}

		domain, err := structs.ParseDomainType(t.Domain)
		if err != nil {
			b.addErr("tunnel %q: %v", t.Name, err)
		}
		if t.ServiceID < 0 || t.ServiceID > math.MaxUint16 {
			b.addErr("tunnel %q: service_id %d out of range", t.Name, t.ServiceID)
		}
		cos := b.classOfService(t.Name, t.ClassOfService)

		rt.Tunnels = append(rt.Tunnels, TunnelConfig{
			Name:           t.Name,
			Domain:         domain,
			ServiceID:      uint16(t.ServiceID),
			ClassOfService: cos,
		})
	}
}

func (b *builder) classOfService(name string, c ClassOfService) structs.ClassOfService {
	var cos structs.ClassOfService
	var err error

	if c.MaxMsgSize < 0 || c.RecvWindowSize < 0 || c.SendWindowSize < 0 {
		b.addErr("tunnel %q: sizes must not be negative", name)
	}
	cos.Common.MaxMsgSize = c.MaxMsgSize
	cos.FlowControl.RecvWindowSize = c.RecvWindowSize
	cos.FlowControl.SendWindowSize = c.SendWindowSize

	if cos.Authentication.Type, err = structs.ParseAuthenticationType(c.Authentication); err != nil {
		b.addErr("tunnel %q: %v", name, err)
	}
	if cos.FlowControl.Type, err = structs.ParseFlowControlType(c.FlowControl); err != nil {
		b.addErr("tunnel %q: %v", name, err)
	}
	if cos.DataIntegrity.Type, err = structs.ParseDataIntegrityType(c.DataIntegrity); err != nil {
		b.addErr("tunnel %q: %v", name, err)
	}
	if cos.Guarantee.Type, err = structs.ParseGuaranteeType(c.Guarantee); err != nil {
		b.addErr("tunnel %q: %v", name, err)
	}
	if cos.Guarantee.Type == structs.GuaranteePersistentQueue && cos.DataIntegrity.Type != structs.DataIntegrityReliable {
		b.addErr("tunnel %q: guaranteed delivery requires reliable data integrity", name)
	}
	cos.Finalize()
	return cos
}
