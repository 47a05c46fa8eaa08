// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const (
	// Subprotocol is negotiated on every websocket channel.
	Subprotocol = "feedmux.v1"

	// DefaultWebSocketPath is used when no path is configured.
	DefaultWebSocketPath = "/WebSocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to net.Conn. Every Write becomes one binary
// message; Read drains messages as a continuous byte stream.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWebSocketConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (d *NetDialer) dialWebSocket(ctx context.Context, addr string) (net.Conn, error) {
	path := d.WebSocketPath
	if path == "" {
		path = DefaultWebSocketPath
	}
	wd := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: d.timeout(),
		Subprotocols:     []string{Subprotocol},
		NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return d.dialTCP(ctx, address)
		},
	}
	scheme := "ws"
	if d.TLSConfigurator != nil {
		scheme = "wss"
		conf := d.TLSConfigurator.OutgoingConfig()
		if !conf.InsecureSkipVerify && conf.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				conf.ServerName = host
			}
		}
		wd.TLSClientConfig = conf
	}
	ws, resp, err := wd.DialContext(ctx, fmt.Sprintf("%s://%s%s", scheme, addr, path), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("websocket endpoint %s did not accept subprotocol %s", addr, Subprotocol)
	}
	return newWebSocketConn(ws), nil
}

// wsListener accepts websocket upgrades and hands them out as net.Conn.
type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	conns     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	logger    hclog.Logger
}

func listenWebSocket(addr, path string, tlsConf *tls.Config, logger hclog.Logger) (net.Listener, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	l := &wsListener{
		ln:      ln,
		conns:   make(chan net.Conn),
		closeCh: make(chan struct{}),
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: defaultDialTimeout,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket listener stopped", "address", addr, "error", err)
		}
	}()
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	select {
	case l.conns <- newWebSocketConn(ws):
	case <-l.closeCh:
		ws.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}
