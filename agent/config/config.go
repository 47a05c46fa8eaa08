// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/feedmux/lib"
	"github.com/hashicorp/feedmux/lib/telemetry"
)

// Config is the configuration file as written by the user. Build turns it
// into a RuntimeConfig.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	LogFile  string `mapstructure:"log_file"`

	// Component and ProtocolVersion are offered in the channel handshake.
	Component       string `mapstructure:"component"`
	ProtocolVersion string `mapstructure:"protocol_version"`

	Channel   Channel          `mapstructure:"channel"`
	Login     Login            `mapstructure:"login"`
	Listen    Listen           `mapstructure:"listen"`
	Tunnels   []Tunnel         `mapstructure:"tunnel"`
	Pool      Pool             `mapstructure:"pool"`
	Cache     Cache            `mapstructure:"cache"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// Channel configures the consumer side connection.
type Channel struct {
	Endpoints []Endpoint `mapstructure:"endpoint"`

	PingInterval          time.Duration `mapstructure:"ping_interval"`
	ReconnectMinDelay     time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectAttemptLimit int           `mapstructure:"reconnect_attempt_limit"`
	WriteQueueSize        int           `mapstructure:"write_queue_size"`

	// WebSocketPath is requested from websocket endpoints.
	WebSocketPath string `mapstructure:"websocket_path"`

	PreferredHost PreferredHost `mapstructure:"preferred_host"`
	TLS           TLS           `mapstructure:"tls"`
}

type Endpoint struct {
	Name      string `mapstructure:"name"`
	Address   string `mapstructure:"address"`
	Transport string `mapstructure:"transport"`
}

type PreferredHost struct {
	Enabled           bool          `mapstructure:"enabled"`
	Index             int           `mapstructure:"index"`
	DetectionInterval time.Duration `mapstructure:"detection_interval"`
	DetectionSchedule string        `mapstructure:"detection_schedule"`
	FallbackInterval  time.Duration `mapstructure:"fallback_interval"`
}

type TLS struct {
	CAFile               string `mapstructure:"ca_file"`
	CAPath               string `mapstructure:"ca_path"`
	CertFile             string `mapstructure:"cert_file"`
	KeyFile              string `mapstructure:"key_file"`
	ServerName           string `mapstructure:"server_name"`
	VerifyIncoming       bool   `mapstructure:"verify_incoming"`
	VerifyServerHostname bool   `mapstructure:"verify_server_hostname"`
	MinVersion           string `mapstructure:"tls_min_version"`
	CipherSuites         string `mapstructure:"tls_cipher_suites"`
}

// Login is the identity sent on the login stream.
type Login struct {
	User string `mapstructure:"user"`
}

// Listen configures the provider side listener.
type Listen struct {
	Address        string        `mapstructure:"address"`
	Transport      string        `mapstructure:"transport"`
	WebSocketPath  string        `mapstructure:"websocket_path"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteQueueSize int           `mapstructure:"write_queue_size"`
}

// Tunnel is a named tunnel stream. Consumers open it, providers offer its
// class of service for the domain.
type Tunnel struct {
	Name           string         `mapstructure:"name"`
	Domain         string         `mapstructure:"domain"`
	ServiceID      int            `mapstructure:"service_id"`
	ClassOfService ClassOfService `mapstructure:"class_of_service"`
}

type ClassOfService struct {
	MaxMsgSize     int    `mapstructure:"max_msg_size"`
	Authentication string `mapstructure:"authentication"`
	FlowControl    string `mapstructure:"flow_control"`
	RecvWindowSize int    `mapstructure:"recv_window_size"`
	SendWindowSize int    `mapstructure:"send_window_size"`
	DataIntegrity  string `mapstructure:"data_integrity"`
	Guarantee      string `mapstructure:"guarantee"`
}

type Pool struct {
	MinSize     int           `mapstructure:"min_size"`
	MaxSize     int           `mapstructure:"max_size"`
	MaxLeased   int           `mapstructure:"max_leased"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
}

type Cache struct {
	Enabled    bool          `mapstructure:"enabled"`
	Size       int           `mapstructure:"size"`
	ExpiryTime time.Duration `mapstructure:"expiry_time"`
}

// Default returns the values a configuration file is decoded on top of.
func Default() Config {
	return Config{
		LogLevel:  "INFO",
		Component: "feedmux",
		Channel: Channel{
			PingInterval:          30 * time.Second,
			ReconnectMinDelay:     time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			ReconnectAttemptLimit: -1,
			WebSocketPath:         "/",
		},
		Listen: Listen{
			Transport:     "tcp",
			WebSocketPath: "/",
			PingInterval:  30 * time.Second,
		},
		Pool: Pool{
			MinSize:     256,
			MaxSize:     1 << 20,
			MaxIdle:     64,
			MaxIdleTime: time.Minute,
		},
		Cache: Cache{
			Size:       4096,
			ExpiryTime: 10 * time.Minute,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// sliceKeys decode into slices of blocks. Every other block may appear
// once.
var sliceKeys = []string{"channel.endpoint", "tunnel"}

// Parse decodes an HCL or JSON document on top of Default. Format is
// "hcl" or "json".
func Parse(data string, format string) (*Config, error) {
	var raw map[string]interface{}
	switch format {
	case "json":
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return nil, err
		}
	case "hcl":
		if err := hcl.Decode(&raw, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid format: %s", format)
	}

	m, err := lib.PatchSliceOfMaps(raw, sliceKeys, nil)
	if err != nil {
		return nil, err
	}

	c := Default()
	var md mapstructure.Metadata
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Metadata:         &md,
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Decode(m); err != nil {
		return nil, err
	}
	if err := validateUnusedKeys(md.Unused); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a configuration file. The format follows the extension, and
// anything that is not .json is read as HCL.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := "hcl"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	c, err := Parse(string(data), format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return c, nil
}

func validateUnusedKeys(unused []string) error {
	var err error
	for _, k := range unused {
		err = multierror.Append(err, fmt.Errorf("invalid config key %q", k))
	}
	return err
}
