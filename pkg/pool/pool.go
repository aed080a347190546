// Package pool multiplexes concurrent RPCs over reusable stream connections.
//
// Every socket is owned by at most one caller at a time. Ownership is a token
// held in a single-slot channel: an idle socket has its token in the channel,
// a checked-out socket has it with the caller. Callers that find every
// socket for an endpoint busy block on one of those channels until the
// holder returns the socket, bounded by MaxWaitToReturn and the context.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

var (
	// ErrPoolClosed is returned by Socket after Close
	ErrPoolClosed = errors.New("pool: closed")

	// ErrWaitTimeout is returned when no socket was returned in time
	ErrWaitTimeout = errors.New("pool: timed out waiting for a socket")
)

// DialError reports a failure to establish a new connection
type DialError struct {
	Endpoint string
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Dialer opens stream connections. transport.StreamTransport satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Options control a single checkout
type Options struct {
	// ConnectTimeout bounds dialling a new connection
	ConnectTimeout time.Duration

	// IOTimeout is the deadline applied to every read and write while the
	// socket is checked out. Zero disables deadlines.
	IOTimeout time.Duration

	// MaxWaitToReturn bounds the wait for a busy socket
	MaxWaitToReturn time.Duration
}

// DefaultOptions returns the default checkout options
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  constants.ConnectTimeout,
		IOTimeout:       constants.RPCTimeout,
		MaxWaitToReturn: constants.SocketWaitTimeout,
	}
}

// Config holds pool configuration
type Config struct {
	// MaxPerEndpoint caps the sockets kept per endpoint
	MaxPerEndpoint int

	// IdleTimeout is how long an idle socket is kept before Sweep closes it
	IdleTimeout time.Duration

	Clock clock.Clock
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		MaxPerEndpoint: 4,
		IdleTimeout:    constants.SocketIdleTimeout,
	}
}

// Stats counts sockets per state
type Stats struct {
	Free          int
	IsInPool      int
	TakenFromPool int
	IsFailed      int
}

// Total returns the number of sockets tracked
func (s Stats) Total() int {
	return s.Free + s.IsInPool + s.TakenFromPool + s.IsFailed
}

// Pool keeps sockets keyed by endpoint
type Pool struct {
	dialer Dialer
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	sockets map[string][]*PooledSocket
	next    map[string]int
	closed  bool
}

// New creates a pool. Zero config fields take their defaults.
func New(dialer Dialer, config Config, logger *zap.Logger) *Pool {
	defaults := DefaultConfig()
	if config.MaxPerEndpoint <= 0 {
		config.MaxPerEndpoint = defaults.MaxPerEndpoint
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		dialer:  dialer,
		config:  config,
		clock:   config.Clock,
		logger:  logger.Named("pool"),
		sockets: make(map[string][]*PooledSocket),
		next:    make(map[string]int),
	}
}

// Socket checks out a socket for endpoint. The caller must hand it back with
// ReturnedToPool, after MarkFailed if the exchange broke.
func (p *Pool) Socket(ctx context.Context, endpoint string, opts Options) (*PooledSocket, error) {
	defaults := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.MaxWaitToReturn <= 0 {
		opts.MaxWaitToReturn = defaults.MaxWaitToReturn
	}

	wait := p.clock.Timer(opts.MaxWaitToReturn)
	defer wait.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, busy, err := p.tryTake(endpoint)
		if err != nil {
			return nil, err
		}
		if s != nil {
			if s.conn == nil {
				return p.connect(ctx, s, opts)
			}
			s.take(opts.IOTimeout)
			return s, nil
		}

		select {
		case <-busy.turn:
			if busy.State() == IsFailed {
				// Pass the token on so every waiter sees the failure
				busy.release()
				continue
			}
			busy.take(opts.IOTimeout)
			return busy, nil
		case <-wait.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryTake returns an idle socket, a fresh unconnected socket reserved for the
// caller, or a busy socket to wait on.
func (p *Pool) tryTake(endpoint string) (*PooledSocket, *PooledSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPoolClosed
	}

	for _, s := range p.sockets[endpoint] {
		select {
		case <-s.turn:
			if s.State() == IsFailed {
				s.release()
				continue
			}
			s.take(0)
			return s, nil, nil
		default:
		}
	}

	live := p.sockets[endpoint]
	if len(live) < p.config.MaxPerEndpoint {
		s := &PooledSocket{
			pool:  p,
			key:   endpoint,
			turn:  make(chan struct{}, 1),
			state: Free,
		}
		p.sockets[endpoint] = append(live, s)
		return s, nil, nil
	}

	i := p.next[endpoint] % len(live)
	p.next[endpoint] = i + 1
	return nil, live[i], nil
}

func (p *Pool) connect(ctx context.Context, s *PooledSocket, opts Options) (*PooledSocket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx, s.key)
	if err != nil {
		p.logger.Debug("Connection failed",
			zap.String("endpoint", s.key),
			zap.Error(err))

		s.setState(IsFailed)
		p.remove(s)
		s.release()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DialError{Endpoint: s.key, Err: err}
	}

	s.mu.Lock()
	if s.state == IsFailed {
		// Drained while dialling
		s.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	s.conn = conn
	s.state = TakenFromPool
	s.ioTimeout = opts.IOTimeout
	s.mu.Unlock()

	p.logger.Debug("Connection established", zap.String("endpoint", s.key))
	return s, nil
}

func (p *Pool) remove(s *PooledSocket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(s)
}

func (p *Pool) removeLocked(s *PooledSocket) {
	list := p.sockets[s.key]
	for i, candidate := range list {
		if candidate == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.sockets, s.key)
		delete(p.next, s.key)
		return
	}
	p.sockets[s.key] = list
}

// Sweep closes idle sockets unused for longer than IdleTimeout and returns
// how many were closed.
func (p *Pool) Sweep() int {
	now := p.clock.Now()

	p.mu.Lock()
	var idle []*PooledSocket
	for _, list := range p.sockets {
		for _, s := range list {
			select {
			case <-s.turn:
				if s.State() == IsInPool && now.Sub(s.lastUsed) > p.config.IdleTimeout {
					s.setState(IsFailed)
					idle = append(idle, s)
				}
				s.release()
			default:
			}
		}
	}
	for _, s := range idle {
		p.removeLocked(s)
	}
	p.mu.Unlock()

	for _, s := range idle {
		s.conn.Close()
	}
	if len(idle) > 0 {
		p.logger.Debug("Closed idle sockets", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sockets until ctx is done
func (p *Pool) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Stats returns socket counts per state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats Stats
	for _, list := range p.sockets {
		for _, s := range list {
			switch s.State() {
			case Free:
				stats.Free++
			case IsInPool:
				stats.IsInPool++
			case TakenFromPool:
				stats.TakenFromPool++
			case IsFailed:
				stats.IsFailed++
			}
		}
	}
	return stats
}

// Drain closes every socket but keeps the pool usable. Checked-out sockets
// are marked failed so their holders discard them on return.
func (p *Pool) Drain() error {
	p.mu.Lock()
	sockets := p.sockets
	p.sockets = make(map[string][]*PooledSocket)
	p.next = make(map[string]int)
	p.mu.Unlock()

	var err error
	for _, list := range sockets {
		for _, s := range list {
			s.setState(IsFailed)
			if s.conn != nil {
				err = multierr.Append(err, s.conn.Close())
			}
			s.release()
		}
	}
	return err
}

// Close drains the pool and rejects further checkouts
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.Drain()
}
