// Package quic implements the QUIC stream transport. Each dialed connection
// carries a single bidirectional stream, exposed as a net.Conn.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/transport"
	"github.com/quic-go/quic-go"
)

// closeLinger bounds how long a closed Conn waits for the peer to finish
// reading before the connection is torn down
const closeLinger = 2 * time.Second

// Transport implements the QUIC transport
type Transport struct {
	tlsConfig *tls.Config
	config    *quic.Config

	// streamTimeout bounds the wait for an accepted connection's stream
	streamTimeout time.Duration
}

// New creates a new QUIC transport. QUIC always runs TLS 1.3, so a
// configuration with a certificate is required for listening.
func New(tlsConfig *tls.Config) *Transport {
	cfg := transport.DefaultConfig()

	quicTLSConfig := tlsConfig.Clone()
	if quicTLSConfig == nil {
		quicTLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	// Ensure ALPN protocols are set
	if len(quicTLSConfig.NextProtos) == 0 {
		quicTLSConfig.NextProtos = cfg.ALPNProtocols
	}

	return &Transport{
		tlsConfig: quicTLSConfig,
		config: &quic.Config{
			MaxIdleTimeout:       cfg.MaxIdleTimeout,
			KeepAlivePeriod:      cfg.KeepAlive,
			HandshakeIdleTimeout: cfg.ConnectTimeout,
		},
		streamTimeout: cfg.ConnectTimeout,
	}
}

// Factory returns a registry factory for the QUIC variant
func Factory(cfg *transport.Config) (transport.StreamTransport, error) {
	if cfg.TLSConfig == nil {
		return nil, errors.New("quic transport requires a TLS configuration")
	}
	t := New(cfg.TLSConfig)
	if len(cfg.ALPNProtocols) > 0 {
		t.tlsConfig.NextProtos = cfg.ALPNProtocols
	}
	if cfg.MaxIdleTimeout > 0 {
		t.config.MaxIdleTimeout = cfg.MaxIdleTimeout
	}
	if cfg.KeepAlive > 0 {
		t.config.KeepAlivePeriod = cfg.KeepAlive
	}
	if cfg.ConnectTimeout > 0 {
		t.config.HandshakeIdleTimeout = cfg.ConnectTimeout
		t.streamTimeout = cfg.ConnectTimeout
	}
	return t, nil
}

// Name returns the transport name
func (t *Transport) Name() string {
	return transport.NameQUIC
}

// Listen starts listening for QUIC connections
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Parse the address
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	listener, err := quic.ListenAddr(udpAddr.String(), t.tlsConfig, t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	l := &Listener{
		listener:      listener,
		streamTimeout: t.streamTimeout,
		conns:         make(chan *Conn),
		done:          make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Dial establishes a QUIC connection and opens its stream
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	connection, err := quic.DialAddr(ctx, addr, t.tlsConfig, t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial QUIC connection: %w", err)
	}

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// Listener wraps a QUIC listener. Connections are accepted in the
// background and handed out once their first stream arrives, so a peer that
// never opens a stream cannot hold up the others.
type Listener struct {
	listener      *quic.Listener
	streamTimeout time.Duration

	conns     chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener) acceptLoop() {
	defer l.shutdown()
	for {
		connection, err := l.listener.Accept(context.Background())
		if err != nil {
			return
		}
		go l.acceptStream(connection)
	}
}

// acceptStream waits for the peer's stream. The stream only becomes visible
// once the peer has written to it.
func (l *Listener) acceptStream(connection *quic.Conn) {
	ctx := connection.Context()
	if l.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.streamTimeout)
		defer cancel()
	}

	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, "no stream opened")
		return
	}

	select {
	case l.conns <- &Conn{connection: connection, stream: stream}:
	case <-l.done:
		connection.CloseWithError(0, "listener closed")
	}
}

func (l *Listener) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Accept returns the next connection whose stream has been opened
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, fmt.Errorf("quic listener closed: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the listener
func (l *Listener) Close() error {
	l.shutdown()
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn adapts a QUIC connection and its stream to net.Conn
type Conn struct {
	connection *quic.Conn
	stream     *quic.Stream

	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*Conn)(nil)

// Read reads data from the stream
func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.stream.Read(b)
}

// Write writes data to the stream
func (c *Conn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

// Close closes the send side of the stream and returns. The connection is
// torn down once the peer has closed its side too, or after closeLinger, so
// data already written is still delivered.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.stream.Close(); err != nil {
			c.closeErr = err
			c.connection.CloseWithError(0, "stream close error")
			return
		}

		// Wake a blocked reader so the drain below can take over
		c.stream.SetReadDeadline(time.Now())
		go c.linger()
	})
	return c.closeErr
}

func (c *Conn) linger() {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.stream.SetReadDeadline(time.Now().Add(closeLinger))
	io.Copy(io.Discard, c.stream)
	c.connection.CloseWithError(0, "normal close")
}

// LocalAddr returns the local network address
func (c *Conn) LocalAddr() net.Addr {
	return c.connection.LocalAddr()
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() net.Addr {
	return c.connection.RemoteAddr()
}

// SetDeadline sets the read and write deadlines
func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// ConnectionState returns the TLS connection state
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.connection.ConnectionState().TLS
}
