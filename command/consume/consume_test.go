// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package consume

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/feedmux/agent/reactor"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/sdk/testutil"
	"github.com/hashicorp/feedmux/sdk/testutil/retry"
)

func TestConsumeCommand_noTabs(t *testing.T) {
	if strings.ContainsRune(New(cli.NewMockUi()).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func TestConsumeCommand_Validation(t *testing.T) {
	cases := map[string]struct {
		args   []string
		output string
	}{
		"no endpoints": {
			nil,
			"At least one endpoint is required",
		},
		"bad transport": {
			[]string{"-endpoint", "127.0.0.1:14002", "-transport", "carrier-pigeon"},
			"unknown transport",
		},
		"empty item": {
			[]string{"-endpoint", "127.0.0.1:14002", "-item", "market_price:"},
			"name is required",
		},
		"login item": {
			[]string{"-endpoint", "127.0.0.1:14002", "-item", "login:me"},
			"not an item domain",
		},
		"unknown tunnel": {
			[]string{"-endpoint", "127.0.0.1:14002", "-tunnel", "nope"},
			`no tunnel named "nope"`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ui := cli.NewMockUi()
			c := New(ui)
			require.Equal(t, 1, c.Run(tc.args))
			require.Contains(t, ui.ErrorWriter.String(), tc.output)
		})
	}
}

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"IBM.N", "market_by_order:TRI.N", "8:VOD.L", "odd:name"})
	require.NoError(t, err)
	require.Equal(t, []item{
		{domain: structs.DomainMarketPrice, name: "IBM.N"},
		{domain: structs.DomainMarketByOrder, name: "TRI.N"},
		{domain: structs.DomainMarketByPrice, name: "VOD.L"},
		{domain: structs.DomainMarketPrice, name: "odd:name"},
	}, items)
	require.Equal(t, "market_by_order:TRI.N", items[1].String())
}

func TestConsumeCommand_Subscribe(t *testing.T) {
	addr := testProvider(t, nil)

	ui := cli.NewMockUi()
	c := New(ui)
	shutdownCh := make(chan struct{})
	c.shutdownCh = shutdownCh

	code := make(chan int, 1)
	go func() {
		code <- c.Run([]string{
			"-endpoint", addr,
			"-user", "alice",
			"-service", "ELEKTRON",
			"-item", "IBM.N",
			"-item", "market_by_order:TRI.N",
		})
	}()

	retry.Run(t, func(r *retry.R) {
		out := ui.OutputWriter.String()
		require.Contains(r, out, "Channel up on "+addr)
		require.Contains(r, out, "refresh login:alice state=open/ok complete=true: user:alice")
		require.Contains(r, out, "refresh source state=open/ok complete=true: service:ELEKTRON")
		require.Contains(r, out, "refresh market_price:IBM.N state=open/ok complete=true: image:IBM.N")
		require.Contains(r, out, "refresh market_by_order:TRI.N state=open/ok complete=true: image:TRI.N")
	})

	close(shutdownCh)
	select {
	case rc := <-code:
		require.Equal(t, 0, rc, ui.ErrorWriter.String())
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestConsumeCommand_Batch(t *testing.T) {
	addr := testProvider(t, nil)

	ui := cli.NewMockUi()
	c := New(ui)
	shutdownCh := make(chan struct{})
	c.shutdownCh = shutdownCh

	code := make(chan int, 1)
	go func() {
		code <- c.Run([]string{
			"-endpoint", addr,
			"-batch",
			"-view", "BID",
			"-item", "IBM.N",
			"-item", "market_by_order:TRI.N",
			"-item", "VOD.L",
		})
	}()

	retry.Run(t, func(r *retry.R) {
		out := ui.OutputWriter.String()
		require.Contains(r, out, "status batch:market_price state=closed/ok batch request acknowledged")
		require.Contains(r, out, "status batch:market_by_order state=closed/ok batch request acknowledged")
		require.Contains(r, out, "refresh market_price:IBM.N state=open/ok complete=true: image:IBM.N")
		require.Contains(r, out, "refresh market_price:VOD.L state=open/ok complete=true: image:VOD.L")
		require.Contains(r, out, "refresh market_by_order:TRI.N state=open/ok complete=true: image:TRI.N")
	})

	close(shutdownCh)
	select {
	case rc := <-code:
		require.Equal(t, 0, rc, ui.ErrorWriter.String())
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestConsumeCommand_Tunnel(t *testing.T) {
	var cos structs.ClassOfService
	cos.FlowControl.Type = structs.FlowControlBidirectional
	cos.DataIntegrity.Type = structs.DataIntegrityReliable
	cos.Finalize()
	addr := testProvider(t, map[structs.DomainType]structs.ClassOfService{structs.DomainSystem: cos})

	configFile := writeConfig(t, `
tunnel {
  name       = "text"
  domain     = "system"
  service_id = 1

  class_of_service {
    flow_control   = "bidirectional"
    data_integrity = "reliable"
  }
}
`)

	ui := cli.NewMockUi()
	c := New(ui)
	shutdownCh := make(chan struct{})
	c.shutdownCh = shutdownCh

	code := make(chan int, 1)
	go func() {
		code <- c.Run([]string{
			"-config-file", configFile,
			"-endpoint", addr,
			"-tunnel", "text",
			"-send", "hello",
			"-send", "world",
		})
	}()

	retry.Run(t, func(r *retry.R) {
		out := ui.OutputWriter.String()
		require.Contains(r, out, "tunnel text message 1: hello")
		require.Contains(r, out, "tunnel text message 2: world")
	})

	close(shutdownCh)
	select {
	case rc := <-code:
		require.Equal(t, 0, rc, ui.ErrorWriter.String())
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestConsumeCommand_ChannelDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	configFile := writeConfig(t, `
channel {
  reconnect_attempt_limit = 0
}
`)

	ui := cli.NewMockUi()
	c := New(ui)
	code := make(chan int, 1)
	go func() {
		code <- c.Run([]string{"-config-file", configFile, "-endpoint", addr, "-item", "IBM.N"})
	}()

	select {
	case rc := <-code:
		require.Equal(t, 1, rc)
		require.Contains(t, ui.ErrorWriter.String(), "channel is down")
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedmux.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// testProvider runs a provider reactor on a loopback port that answers
// every request with a refresh and echoes tunnel messages.
func testProvider(t *testing.T, tunnels map[structs.DomainType]structs.ClassOfService) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r, err := reactor.New(reactor.Options{Logger: testutil.Logger(t)})
	require.NoError(t, err)

	answer := func(h *reactor.ChannelHandle, msg structs.Message) {
		req, ok := msg.(*structs.Request)
		if !ok {
			return
		}
		payload := "image:" + req.Key.Name
		switch req.Domain {
		case structs.DomainLogin:
			payload = "user:" + req.Key.Name
		case structs.DomainSource:
			payload = "service:" + req.Key.Name
		}
		err := r.Submit(h, &structs.Refresh{
			StreamID:  req.StreamID,
			Domain:    req.Domain,
			Key:       req.Key,
			Status:    structs.StreamStatus{Stream: structs.StreamStateOpen, Data: structs.DataStateOK},
			Solicited: true,
			Complete:  true,
			Payload:   []byte(payload),
		}, nil)
		if err != nil {
			t.Errorf("failed to answer request: %v", err)
		}
	}
	echo := func(s *tunnel.Stream, msg tunnel.Message) error {
		buf, err := s.GetBuffer(len(msg.Payload))
		if err != nil {
			return err
		}
		if _, err := buf.Write(msg.Payload); err != nil {
			return err
		}
		return s.Submit(buf)
	}

	_, err = r.Listen(reactor.ListenOptions{
		Listener: ln,
		Tunnels:  tunnels,
		AcceptTunnel: func(*structs.TunnelOpen) (tunnel.Options, bool) {
			return tunnel.Options{OnMessage: echo}, true
		},
		OnMessage: answer,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if _, err := r.Dispatch(50 * time.Millisecond); err != nil {
				return
			}
		}
		r.Shutdown()
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}
