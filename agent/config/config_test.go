// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
)

const consumerHCL = `
log_level = "DEBUG"
component = "tester"

login { user = "alice" }

channel {
  ping_interval           = "10s"
  reconnect_min_delay     = "500ms"
  reconnect_max_delay     = "8s"
  reconnect_attempt_limit = 5

  endpoint {
    name    = "a"
    address = "10.0.0.1:14002"
  }
  endpoint {
    name      = "b"
    address   = "10.0.0.2:14002"
    transport = "websocket"
  }

  preferred_host {
    enabled            = true
    index              = 0
    detection_interval = "5m"
    detection_schedule = "*/10 * * * *"
    fallback_interval  = "1m"
  }
}

tunnel {
  name       = "text"
  domain     = 127
  service_id = 1
  class_of_service {
    flow_control   = "bidirectional"
    data_integrity = "reliable"
    guarantee      = "persistent_queue"
  }
}

tunnel {
  name   = "orders"
  domain = "market_by_order"
}

cache {
  enabled     = true
  size        = 100
  expiry_time = "30s"
}

telemetry {
  disable_hostname          = true
  prometheus_retention_time = "60s"
}
`

func TestParse_HCL(t *testing.T) {
	c, err := Parse(consumerHCL, "hcl")
	require.NoError(t, err)

	require.Equal(t, "DEBUG", c.LogLevel)
	require.Equal(t, "tester", c.Component)
	require.Equal(t, "alice", c.Login.User)
	require.Equal(t, 10*time.Second, c.Channel.PingInterval)
	require.Equal(t, 500*time.Millisecond, c.Channel.ReconnectMinDelay)
	require.Equal(t, 5, c.Channel.ReconnectAttemptLimit)
	require.Equal(t, []Endpoint{
		{Name: "a", Address: "10.0.0.1:14002"},
		{Name: "b", Address: "10.0.0.2:14002", Transport: "websocket"},
	}, c.Channel.Endpoints)
	require.Equal(t, PreferredHost{
		Enabled:           true,
		DetectionInterval: 5 * time.Minute,
		DetectionSchedule: "*/10 * * * *",
		FallbackInterval:  time.Minute,
	}, c.Channel.PreferredHost)

	require.Len(t, c.Tunnels, 2)
	require.Equal(t, "127", c.Tunnels[0].Domain)
	require.Equal(t, "reliable", c.Tunnels[0].ClassOfService.DataIntegrity)
	require.Equal(t, "market_by_order", c.Tunnels[1].Domain)

	require.True(t, c.Cache.Enabled)
	require.Equal(t, 60*time.Second, c.Telemetry.PrometheusRetentionTime)

	// untouched defaults survive
	require.Equal(t, "tcp", c.Listen.Transport)
	require.Equal(t, "feedmux", c.Telemetry.MetricsPrefix)
}

func TestParse_JSON(t *testing.T) {
	c, err := Parse(`{
		"channel": {
			"endpoint": [{"address": "127.0.0.1:14002"}],
			"reconnect_max_delay": "1m"
		},
		"listen": {"address": ":14002", "transport": "tls"},
		"pool": {"max_leased": 64}
	}`, "json")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:14002", c.Channel.Endpoints[0].Address)
	require.Equal(t, time.Minute, c.Channel.ReconnectMaxDelay)
	require.Equal(t, -1, c.Channel.ReconnectAttemptLimit)
	require.Equal(t, "tls", c.Listen.Transport)
	require.Equal(t, 64, c.Pool.MaxLeased)
}

func TestParse_Errors(t *testing.T) {
	t.Run("unknown keys", func(t *testing.T) {
		_, err := Parse(`
log_levle = "INFO"
channel { ping = "1s" }
`, "hcl")
		require.Error(t, err)
		merr, ok := err.(*multierror.Error)
		require.True(t, ok)
		require.Len(t, merr.Errors, 2)
		require.ErrorContains(t, err, `"log_levle"`)
		require.ErrorContains(t, err, `"channel.ping"`)
	})

	t.Run("repeated block", func(t *testing.T) {
		_, err := Parse(`
listen { address = ":1" }
listen { address = ":2" }
`, "hcl")
		require.ErrorContains(t, err, "only one")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Parse(`channel { ping_interval = "soon" }`, "hcl")
		require.Error(t, err)
	})

	t.Run("bad format", func(t *testing.T) {
		_, err := Parse(`{}`, "yaml")
		require.ErrorContains(t, err, "invalid format")
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	hclPath := filepath.Join(dir, "feedmux.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(consumerHCL), 0600))
	c, err := Load(hclPath)
	require.NoError(t, err)
	require.Equal(t, "alice", c.Login.User)

	jsonPath := filepath.Join(dir, "feedmux.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"login": {"user": "bob"}}`), 0600))
	c, err = Load(jsonPath)
	require.NoError(t, err)
	require.Equal(t, "bob", c.Login.User)

	_, err = Load(filepath.Join(dir, "missing.hcl"))
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	c, err := Parse(consumerHCL, "hcl")
	require.NoError(t, err)
	rt, err := Build(c)
	require.NoError(t, err)

	require.Equal(t, "DEBUG", rt.Logging.LogLevel)
	require.Equal(t, []router.Endpoint{
		{Name: "a", Address: "10.0.0.1:14002", Transport: transport.KindTCP},
		{Name: "b", Address: "10.0.0.2:14002", Transport: transport.KindWebSocket},
	}, rt.Endpoints)
	require.True(t, rt.PreferredHost.Enabled)
	require.Equal(t, "alice", rt.LoginUser)

	text, ok := rt.Tunnel("text")
	require.True(t, ok)
	require.Equal(t, structs.DomainSystem, text.Domain)
	require.Equal(t, uint16(1), text.ServiceID)
	require.Equal(t, structs.FlowControlBidirectional, text.ClassOfService.FlowControl.Type)
	require.Equal(t, structs.DataIntegrityReliable, text.ClassOfService.DataIntegrity.Type)
	require.Equal(t, structs.GuaranteePersistentQueue, text.ClassOfService.Guarantee.Type)
	require.Equal(t, structs.DefaultMaxMsgSize, text.ClassOfService.Common.MaxMsgSize)

	orders, ok := rt.Tunnel("orders")
	require.True(t, ok)
	require.Equal(t, structs.DomainMarketByOrder, orders.Domain)
	_, ok = rt.Tunnel("missing")
	require.False(t, ok)

	supported := rt.SupportedTunnels()
	require.Len(t, supported, 2)
	require.Equal(t, text.ClassOfService, supported[structs.DomainSystem])

	require.False(t, rt.NeedsTLS())
	store, err := rt.NewCache()
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestBuild_Defaults(t *testing.T) {
	c := Default()
	rt, err := Build(&c)
	require.NoError(t, err)
	require.Empty(t, rt.Endpoints)
	require.Equal(t, -1, rt.ReconnectAttemptLimit)

	store, err := rt.NewCache()
	require.NoError(t, err)
	require.Nil(t, store)

	p := rt.NewPool(nil)
	require.Equal(t, 256, p.MinSize)
	require.NoError(t, p.Shutdown())
}

func TestBuild_ReportsEveryProblem(t *testing.T) {
	c, err := Parse(`
log_level = "LOUD"
protocol_version = "not-a-version"
channel {
  reconnect_min_delay     = "5s"
  reconnect_max_delay     = "1s"
  reconnect_attempt_limit = -2
  endpoint { address = "no-port" }
  endpoint {
    address   = "h:1"
    transport = "carrier-pigeon"
  }
  preferred_host {
    enabled            = true
    index              = 7
    detection_schedule = "every day"
  }
}
listen {
  address   = ":1"
  transport = "tls"
}
tunnel {
  domain = "nowhere"
  class_of_service { flow_control = "sideways" }
}
tunnel {
  name                   = "x"
  guarantee_is_not_a_key = true
}
`, "hcl")
	require.Error(t, err, "unknown tunnel key is rejected at parse time")
	require.ErrorContains(t, err, "guarantee_is_not_a_key")

	c, err = Parse(`
log_level = "LOUD"
protocol_version = "not-a-version"
channel {
  reconnect_min_delay     = "5s"
  reconnect_max_delay     = "1s"
  reconnect_attempt_limit = -2
  endpoint { address = "no-port" }
  endpoint {
    address   = "h:1"
    transport = "carrier-pigeon"
  }
  preferred_host {
    enabled            = true
    index              = 7
    detection_schedule = "every day"
  }
}
listen {
  address   = ":1"
  transport = "tls"
}
tunnel {
  domain = "nowhere"
  class_of_service { flow_control = "sideways" }
}
tunnel {
  name = "x"
  domain = 6
  class_of_service { guarantee = "persistent_queue" }
}
`, "hcl")
	require.NoError(t, err)

	_, err = Build(c)
	require.Error(t, err)
	for _, want := range []string{
		"log_level",
		"protocol_version",
		"reconnect_max_delay",
		"reconnect_attempt_limit",
		"no-port",
		"carrier-pigeon",
		"preferred index 7",
		"every day",
		"tls transport requires",
		"name is required",
		`invalid domain "nowhere"`,
		`invalid flow control type "sideways"`,
		"guaranteed delivery requires reliable",
	} {
		require.ErrorContains(t, err, want)
	}
}
