// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/tlsutil"
)

const defaultDialTimeout = 10 * time.Second

// Kind is the transport variant used to reach an endpoint.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "websocket"
)

// ParseKind accepts the transport names used in configuration. An empty
// string means plain TCP.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "", KindTCP:
		return KindTCP, nil
	case KindTLS, "encrypted":
		return KindTLS, nil
	case KindWebSocket, "ws":
		return KindWebSocket, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Dialer opens byte stream connections. Dial may block and is always called
// off the dispatch goroutine.
type Dialer interface {
	Dial(ctx context.Context, kind Kind, addr string) (net.Conn, error)
}

// ValidateAddress checks that addr is a host:port pair with a numeric port.
// It does not touch the network.
func ValidateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &structs.ConnectionError{Address: addr, Err: err}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return &structs.ConnectionError{Address: addr, Err: fmt.Errorf("invalid port %q", port)}
	}
	return nil
}

// NetDialer dials real network endpoints.
type NetDialer struct {
	// SrcAddr is the source address for outgoing connections.
	SrcAddr *net.TCPAddr

	// Timeout bounds connection establishment including any TLS or
	// websocket handshake.
	Timeout time.Duration

	// TLSConfigurator is required for KindTLS and used for secure
	// websockets.
	TLSConfigurator *tlsutil.Configurator

	// WebSocketPath is the request path used for websocket endpoints.
	WebSocketPath string

	Logger hclog.Logger
}

func (d *NetDialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultDialTimeout
}

// Dial opens a connection of the given kind. Failures are returned as
// *structs.ConnectionError.
func (d *NetDialer) Dial(ctx context.Context, kind Kind, addr string) (net.Conn, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	conn, err := d.dial(ctx, kind, addr)
	if err != nil {
		if structs.IsConnectionError(err) {
			return nil, err
		}
		return nil, &structs.ConnectionError{Address: addr, Err: err}
	}
	return conn, nil
}

func (d *NetDialer) dial(ctx context.Context, kind Kind, addr string) (net.Conn, error) {
	switch kind {
	case KindTCP, "":
		return d.dialTCP(ctx, addr)
	case KindTLS:
		if d.TLSConfigurator == nil {
			return nil, &structs.ConnectionError{Address: addr, Err: fmt.Errorf("encrypted transport requires TLS configuration")}
		}
		conn, err := d.dialTCP(ctx, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		// Wrap the connection in a TLS client
		tlsConn, err := d.TLSConfigurator.OutgoingWrapper(addr)(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	case KindWebSocket:
		return d.dialWebSocket(ctx, addr)
	default:
		return nil, &structs.ConnectionError{Address: addr, Err: fmt.Errorf("unknown transport %q", kind)}
	}
}

func (d *NetDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{LocalAddr: d.SrcAddr}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Listen opens a listener for the given transport kind. Accepted
// connections are fully handshaken when returned from Accept, except for
// TLS where the handshake happens on first read.
func Listen(kind Kind, addr string, configurator *tlsutil.Configurator, path string, logger hclog.Logger) (net.Listener, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var tlsConf *tls.Config
	if configurator != nil {
		tlsConf = configurator.IncomingConfig()
	}

	switch kind {
	case KindTCP, "":
		return net.Listen("tcp", addr)
	case KindTLS:
		if tlsConf == nil {
			return nil, fmt.Errorf("encrypted listener on %s requires a certificate", addr)
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return tls.NewListener(ln, tlsConf), nil
	case KindWebSocket:
		return listenWebSocket(addr, path, tlsConf, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
