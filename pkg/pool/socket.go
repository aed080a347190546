package pool

import (
	"net"
	"sync"
	"time"
)

// State is a pooled socket's lifecycle state
type State int

const (
	// Free sockets are allocated but not yet connected
	Free State = iota
	// IsInPool sockets are idle and available
	IsInPool
	// TakenFromPool sockets are checked out by exactly one caller
	TakenFromPool
	// IsFailed sockets are discarded when returned
	IsFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case IsInPool:
		return "IsInPool"
	case TakenFromPool:
		return "TakenFromPool"
	case IsFailed:
		return "IsFailed"
	default:
		return "Unknown"
	}
}

// PooledSocket is a connection checked out from a Pool
type PooledSocket struct {
	pool *Pool
	key  string
	conn net.Conn
	turn chan struct{}

	mu        sync.Mutex
	state     State
	lastUsed  time.Time
	ioTimeout time.Duration
}

// Key returns the endpoint the socket is connected to
func (s *PooledSocket) Key() string {
	return s.key
}

// Conn returns the underlying connection
func (s *PooledSocket) Conn() net.Conn {
	return s.conn
}

// State returns the current state
func (s *PooledSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PooledSocket) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *PooledSocket) take(ioTimeout time.Duration) {
	s.mu.Lock()
	s.state = TakenFromPool
	s.ioTimeout = ioTimeout
	s.mu.Unlock()
}

// release puts the ownership token back without blocking
func (s *PooledSocket) release() {
	select {
	case s.turn <- struct{}{}:
	default:
	}
}

// MarkFailed records that the connection is unusable. The socket is closed
// and dropped when returned.
func (s *PooledSocket) MarkFailed() {
	s.setState(IsFailed)
}

// ReturnedToPool hands the socket back. It reports false, closing and
// dropping the socket, when the socket failed while checked out.
func (s *PooledSocket) ReturnedToPool() bool {
	s.mu.Lock()
	if s.state != IsFailed && s.state != TakenFromPool {
		s.mu.Unlock()
		return false
	}
	if s.state == IsFailed {
		s.mu.Unlock()
		s.pool.remove(s)
		if s.conn != nil {
			s.conn.Close()
		}
		s.release()
		return false
	}
	s.state = IsInPool
	s.lastUsed = s.pool.clock.Now()
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.SetDeadline(time.Time{})
	}
	s.release()
	return true
}

// Read reads from the connection, applying the checkout IO timeout
func (s *PooledSocket) Read(b []byte) (int, error) {
	if err := s.deadline(); err != nil {
		return 0, err
	}
	return s.conn.Read(b)
}

// Write writes to the connection, applying the checkout IO timeout
func (s *PooledSocket) Write(b []byte) (int, error) {
	if err := s.deadline(); err != nil {
		return 0, err
	}
	return s.conn.Write(b)
}

func (s *PooledSocket) deadline() error {
	s.mu.Lock()
	timeout := s.ioTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		return nil
	}
	return s.conn.SetDeadline(time.Now().Add(timeout))
}
