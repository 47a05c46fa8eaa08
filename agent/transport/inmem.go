// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// InmemNetwork is an in-process network of named listeners connected with
// net.Pipe. Endpoints can be taken down and live connections severed to
// simulate failures.
type InmemNetwork struct {
	sync.Mutex
	listeners map[string]*inmemListener
	down      map[string]bool
	conns     map[string][]net.Conn
	dials     map[string]int
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		listeners: make(map[string]*inmemListener),
		down:      make(map[string]bool),
		conns:     make(map[string][]net.Conn),
		dials:     make(map[string]int),
	}
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }

// Listen registers a listener at addr.
func (n *InmemNetwork) Listen(addr string) (net.Listener, error) {
	n.Lock()
	defer n.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	l := &inmemListener{
		network: n,
		addr:    addr,
		conns:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener at addr. The transport kind is ignored.
func (n *InmemNetwork) Dial(ctx context.Context, kind Kind, addr string) (net.Conn, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	n.Lock()
	n.dials[addr]++
	l, ok := n.listeners[addr]
	down := n.down[addr]
	n.Unlock()
	if !ok || down {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
	case <-l.closeCh:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}

	n.Lock()
	n.conns[addr] = append(n.conns[addr], client, server)
	n.Unlock()
	return client, nil
}

// SetDown makes dials to addr fail until it is brought back up.
func (n *InmemNetwork) SetDown(addr string, down bool) {
	n.Lock()
	defer n.Unlock()
	n.down[addr] = down
}

// Sever closes every live connection to addr.
func (n *InmemNetwork) Sever(addr string) int {
	n.Lock()
	conns := n.conns[addr]
	delete(n.conns, addr)
	n.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns) / 2
}

// Dials returns how many dial attempts were made to addr.
func (n *InmemNetwork) Dials(addr string) int {
	n.Lock()
	defer n.Unlock()
	return n.dials[addr]
}

type inmemListener struct {
	network   *InmemNetwork
	addr      string
	conns     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *inmemListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *inmemListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.network.Lock()
		delete(l.network.listeners, l.addr)
		l.network.Unlock()
	})
	return nil
}

func (l *inmemListener) Addr() net.Addr {
	return inmemAddr(l.addr)
}
