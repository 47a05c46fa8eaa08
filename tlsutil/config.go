// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Wrapper is a function that is used to wrap a non-TLS connection and
// returns an appropriate TLS connection or error.
type Wrapper func(conn net.Conn) (net.Conn, error)

// TLSLookup maps the tls_min_version configuration to the internal value
var TLSLookup = map[string]uint16{
	"":      tls.VersionTLS12,
	"tls12": tls.VersionTLS12,
	"tls13": tls.VersionTLS13,
}

// Config used to create tls.Config
type Config struct {
	// VerifyIncoming is used to require and verify client certificates on
	// accepted channels.
	VerifyIncoming bool

	// VerifyServerHostname is used to enable hostname verification of the
	// endpoint we dial. ServerName is checked when set, otherwise the host
	// portion of the endpoint address.
	VerifyServerHostname bool

	// CAFile is a path to a certificate authority file.
	CAFile string

	// CAPath is a path to a directory containing certificate authority
	// files.
	CAPath string

	// CertFile and KeyFile hold the certificate presented by this side.
	// Required to accept encrypted channels.
	CertFile string
	KeyFile  string

	// ServerName overrides the name checked against the server
	// certificate.
	ServerName string

	// TLSMinVersion is the minimum accepted TLS version that can be used.
	TLSMinVersion string

	// CipherSuites is the list of TLS cipher suites to use.
	CipherSuites []uint16
}

// KeyPair is used to open and parse a certificate and key file
func (c *Config) KeyPair() (*tls.Certificate, error) {
	return loadKeyPair(c.CertFile, c.KeyFile)
}

// Configurator holds a Config and is responsible for generating the
// *tls.Config used by encrypted transports. Update may be called while
// channels are being dialed.
type Configurator struct {
	sync.RWMutex
	base    *Config
	cert    *tls.Certificate
	caPool  *x509.CertPool
	caPems  []string
	logger  hclog.Logger
	version int
}

// NewConfigurator creates a new Configurator and sets the provided
// configuration.
func NewConfigurator(config Config, logger hclog.Logger) (*Configurator, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Configurator{logger: logger.Named("tlsutil")}
	if err := c.Update(config); err != nil {
		return nil, err
	}
	return c, nil
}

// CAPems returns the loaded certificate authorities.
func (c *Configurator) CAPems() []string {
	c.RLock()
	defer c.RUnlock()
	return append([]string(nil), c.caPems...)
}

// Update updates the internal configuration which is used to generate
// *tls.Config.
func (c *Configurator) Update(config Config) error {
	cert, err := loadKeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return err
	}
	pems, err := loadCAs(config.CAFile, config.CAPath)
	if err != nil {
		return err
	}
	pool, err := combinedPool(pems)
	if err != nil {
		return err
	}
	if err := check(config, pool, cert); err != nil {
		return err
	}

	c.Lock()
	c.base = &config
	c.cert = cert
	c.caPool = pool
	c.caPems = pems
	c.version++
	version := c.version
	c.Unlock()
	c.logger.Debug("configuration updated", "version", version)
	return nil
}

func combinedPool(pems []string) (*x509.CertPool, error) {
	if len(pems) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	for _, pem := range pems {
		if !pool.AppendCertsFromPEM([]byte(pem)) {
			return nil, fmt.Errorf("Couldn't parse PEM %s", pem)
		}
	}
	return pool, nil
}

func check(config Config, pool *x509.CertPool, cert *tls.Certificate) error {
	// Check if a minimum TLS version was set
	if config.TLSMinVersion != "" {
		if _, ok := TLSLookup[config.TLSMinVersion]; !ok {
			versions := make([]string, 0, len(TLSLookup))
			for v := range TLSLookup {
				if v != "" {
					versions = append(versions, v)
				}
			}
			return fmt.Errorf("TLSMinVersion: value %s not supported, please specify one of %s",
				config.TLSMinVersion, strings.Join(versions, ","))
		}
	}

	if config.VerifyIncoming {
		if pool == nil {
			return fmt.Errorf("VerifyIncoming set, and no CA certificate provided!")
		}
		if cert == nil {
			return fmt.Errorf("VerifyIncoming set, and no Cert/Key pair provided!")
		}
	}
	return nil
}

func loadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("Failed to load cert/key pair: %v", err)
	}
	return &cert, nil
}

func loadCAs(caFile, caPath string) ([]string, error) {
	if caFile == "" && caPath == "" {
		return nil, nil
	}

	pems := []string{}

	readFn := func(path string) error {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("Error loading from %s: %s", path, err)
		}
		pems = append(pems, string(pem))
		return nil
	}

	if caFile != "" {
		return pems, readFn(caFile)
	}

	err := filepath.Walk(caPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return readFn(path)
	})
	if err != nil {
		return pems, err
	}
	if len(pems) == 0 {
		return pems, fmt.Errorf("Error loading from CAPath: no CAs found")
	}
	return pems, nil
}

// commonTLSConfig generates a *tls.Config from the base configuration the
// Configurator has. This function acquires a read lock because it reads
// from the config.
func (c *Configurator) commonTLSConfig() *tls.Config {
	c.RLock()
	defer c.RUnlock()
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !c.base.VerifyServerHostname,
		ServerName:         c.base.ServerName,
		RootCAs:            c.caPool,
		ClientCAs:          c.caPool,
		MinVersion:         TLSLookup[c.base.TLSMinVersion],
	}
	if len(c.base.CipherSuites) != 0 {
		tlsConfig.CipherSuites = c.base.CipherSuites
	}

	cert := c.cert
	tlsConfig.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return cert, nil
	}
	tlsConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if cert == nil {
			return &tls.Certificate{}, nil
		}
		return cert, nil
	}

	if c.base.VerifyIncoming {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig
}

// IncomingConfig generates a *tls.Config for accepted channels. It returns
// nil when no certificate is configured.
func (c *Configurator) IncomingConfig() *tls.Config {
	c.RLock()
	noCert := c.cert == nil
	c.RUnlock()
	if noCert {
		return nil
	}
	return c.commonTLSConfig()
}

// OutgoingConfig generates a *tls.Config for dialed channels.
func (c *Configurator) OutgoingConfig() *tls.Config {
	return c.commonTLSConfig()
}

// OutgoingWrapper returns a Wrapper that performs a client handshake for
// the given address. When hostname verification is enabled without an
// explicit ServerName, the host part of addr is verified.
func (c *Configurator) OutgoingWrapper(addr string) Wrapper {
	return func(conn net.Conn) (net.Conn, error) {
		config := c.OutgoingConfig()
		if !config.InsecureSkipVerify && config.ServerName == "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			config.ServerName = host
		}
		tlsConn := tls.Client(conn, config)
		if err := tlsConn.Handshake(); err != nil {
			tlsConn.Close()
			return nil, err
		}

		// If crypto/tls is doing verification, or there is nothing to
		// verify against, there's no need to do our own.
		if !config.InsecureSkipVerify || config.RootCAs == nil {
			return tlsConn, nil
		}

		// Verify the chain without checking the DNS name.
		opts := x509.VerifyOptions{
			Roots:         config.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		certs := tlsConn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			tlsConn.Close()
			return nil, fmt.Errorf("server presented no certificate")
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			tlsConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

// ParseCiphers parse ciphersuites from the comma-separated string into
// recognized slice
func ParseCiphers(cipherStr string) ([]uint16, error) {
	suites := []uint16{}

	cipherStr = strings.TrimSpace(cipherStr)
	if cipherStr == "" {
		return suites, nil
	}

	cipherMap := map[string]uint16{}
	for _, s := range tls.CipherSuites() {
		cipherMap[s.Name] = s.ID
	}
	for _, cipher := range strings.Split(cipherStr, ",") {
		id, ok := cipherMap[strings.TrimSpace(cipher)]
		if !ok {
			return suites, fmt.Errorf("unsupported cipher %q", cipher)
		}
		suites = append(suites, id)
	}
	return suites, nil
}
