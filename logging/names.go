// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

// Sub-logger names, used with logger.Named.
const (
	Cache      string = "cache"
	Channel    string = "channel"
	ConfigFile string = "config"
	Consume    string = "consume"
	Listener   string = "listener"
	Pool       string = "pool"
	Provide    string = "provide"
	Reactor    string = "reactor"
	Router     string = "router"
	Telemetry  string = "telemetry"
	TLSUtil    string = "tlsutil"
	Transport  string = "transport"
	Tunnel     string = "tunnel"
	Watchlist  string = "watchlist"
	Websocket  string = "websocket"
)
