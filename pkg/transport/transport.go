// Package transport provides the stream transports RPCs run over. A node
// selects one variant by name: plain TCP ("tcp"), TLS 1.3 over TCP ("tls") or
// QUIC ("quic"). The auxiliary UDP broadcast primitive lives in the broadcast
// subpackage.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Transport variant names
const (
	NameTCP  = "tcp"
	NameTLS  = "tls"
	NameQUIC = "quic"
)

// StreamTransport is a connection-oriented transport
type StreamTransport interface {
	// Listen starts listening for incoming connections on the given address
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial establishes a connection to the given address
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Name returns the transport name (e.g., "tcp", "quic")
	Name() string
}

// Listener represents a transport listener
type Listener interface {
	// Accept waits for and returns the next connection
	Accept(ctx context.Context) (net.Conn, error)

	// Close closes the listener
	Close() error

	// Addr returns the listener's network address
	Addr() net.Addr
}

// Config holds transport configuration
type Config struct {
	// TLS configuration for the "tls" and "quic" variants
	TLSConfig *tls.Config

	// ALPN protocols to negotiate
	ALPNProtocols []string

	// Connection timeout
	ConnectTimeout time.Duration

	// Keep-alive settings
	KeepAlive time.Duration

	// Maximum idle timeout
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"combsync/1"},
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Factory builds a transport from configuration
type Factory func(cfg *Config) (StreamTransport, error)

// Registry manages available transports
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new transport registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a transport factory with the given name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds the transport registered under name
func (r *Registry) New(name string, cfg *Config) (StreamTransport, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return factory(cfg)
}

// List returns all registered transport names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
