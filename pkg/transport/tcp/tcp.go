// Package tcp implements the TCP stream transports: plain TCP for trusted
// local networks and TLS 1.3 over TCP when a TLS configuration is supplied.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/transport"
)

// Transport implements the TCP and TCP+TLS transports
type Transport struct {
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	keepAlive      time.Duration
}

// New creates a plain TCP transport
func New() *Transport {
	cfg := transport.DefaultConfig()
	return &Transport{
		connectTimeout: cfg.ConnectTimeout,
		keepAlive:      cfg.KeepAlive,
	}
}

// NewTLS creates a TCP+TLS transport
func NewTLS(tlsConfig *tls.Config) *Transport {
	t := New()
	t.tlsConfig = tlsConfig.Clone()
	if t.tlsConfig == nil {
		t.tlsConfig = &tls.Config{}
	}

	// Ensure ALPN protocols are set
	if len(t.tlsConfig.NextProtos) == 0 {
		t.tlsConfig.NextProtos = transport.DefaultConfig().ALPNProtocols
	}

	// Ensure TLS 1.3 minimum
	if t.tlsConfig.MinVersion == 0 {
		t.tlsConfig.MinVersion = tls.VersionTLS13
	}
	return t
}

// Factory returns a registry factory for the plain TCP variant
func Factory(cfg *transport.Config) (transport.StreamTransport, error) {
	t := New()
	t.applyConfig(cfg)
	return t, nil
}

// TLSFactory returns a registry factory for the TCP+TLS variant
func TLSFactory(cfg *transport.Config) (transport.StreamTransport, error) {
	if cfg.TLSConfig == nil {
		return nil, errors.New("tls transport requires a TLS configuration")
	}
	t := NewTLS(cfg.TLSConfig)
	t.applyConfig(cfg)
	return t, nil
}

func (t *Transport) applyConfig(cfg *transport.Config) {
	if cfg.ConnectTimeout > 0 {
		t.connectTimeout = cfg.ConnectTimeout
	}
	if cfg.KeepAlive > 0 {
		t.keepAlive = cfg.KeepAlive
	}
}

// Name returns the transport name
func (t *Transport) Name() string {
	if t.tlsConfig != nil {
		return transport.NameTLS
	}
	return transport.NameTCP
}

// Listen starts listening for TCP connections
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Parse the address
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	// Create TCP listener
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	return &Listener{
		listener:  listener,
		tlsConfig: t.tlsConfig,
		keepAlive: t.keepAlive,
	}, nil
}

// Dial establishes a TCP (or TCP+TLS) connection
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Create dialer with timeout
	dialer := &net.Dialer{
		Timeout:   t.connectTimeout,
		KeepAlive: t.keepAlive,
	}

	if t.tlsConfig == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial TCP connection: %w", err)
		}
		return conn, nil
	}

	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}
	return conn, nil
}

// Listener wraps a TCP listener, optionally upgrading accepted connections
// to TLS
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
	keepAlive time.Duration
}

// Accept waits for and returns the next connection
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	// Set deadline based on context
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	// Accept TCP connection
	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if l.keepAlive > 0 {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(l.keepAlive)
	}

	if l.tlsConfig == nil {
		return tcpConn, nil
	}

	// Handshake lazily on first read so a slow client cannot stall Accept
	return tls.Server(tcpConn, l.tlsConfig), nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
