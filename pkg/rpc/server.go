package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/transport"
	"github.com/WebFirstLanguage/combsync/pkg/wire"
)

// StoreRequest is a decoded STORE
type StoreRequest struct {
	Key               kad.ID
	Value             []byte
	Cached            bool
	ExpirationSeconds int
}

// Handler serves decoded requests. Returning a *wire.Error sends it to the
// requester as an error frame; any other error is reported as internal.
type Handler interface {
	HandlePing(ctx context.Context, from *kad.Contact) error
	HandleFindNode(ctx context.Context, from *kad.Contact, key kad.ID) ([]*kad.Contact, error)
	HandleFindValue(ctx context.Context, from *kad.Contact, key kad.ID) (FindValueResult, error)
	HandleStore(ctx context.Context, from *kad.Contact, req StoreRequest) error
}

// ServerConfig holds RPC server configuration
type ServerConfig struct {
	Listener transport.Listener
	Handler  Handler

	// Observer, if set, learns the sender of every request served successfully
	Observer Observer

	// Self returns the local contact sent with every reply
	Self  func() *kad.Contact
	Guard *Guard

	// MaxConcurrent bounds handlers running at once across connections
	MaxConcurrent int64

	// IdleTimeout closes connections without a request for this long
	IdleTimeout time.Duration

	Logger *zap.Logger
}

// Server accepts connections and serves framed requests on each of them
// until the peer hangs up, so clients can keep sockets pooled
type Server struct {
	listener transport.Listener
	handler  Handler
	observer Observer
	self     func() *kad.Contact
	guard    *Guard
	sem      *semaphore.Weighted
	idle     time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates an RPC server
func NewServer(config *ServerConfig) (*Server, error) {
	if config.Listener == nil {
		return nil, fmt.Errorf("listener is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Self == nil {
		return nil, fmt.Errorf("self contact provider is required")
	}

	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}

	idle := config.IdleTimeout
	if idle <= 0 {
		idle = constants.SocketIdleTimeout
	}

	guard := config.Guard
	if guard == nil {
		guard = NewGuard(nil)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		listener: config.Listener,
		handler:  config.Handler,
		observer: config.Observer,
		self:     config.Self,
		guard:    guard,
		sem:      semaphore.NewWeighted(maxConcurrent),
		idle:     idle,
		logger:   logger.Named("rpc"),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or the server is closed
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Debug("Accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting, closes open connections and waits for them to finish
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	host := remoteHost(conn.RemoteAddr())

	for {
		conn.SetReadDeadline(time.Now().Add(s.idle))
		req, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection closed",
					zap.String("endpoint", remote),
					zap.Error(err))
			}
			return
		}

		if err := s.guard.Allow(host); err != nil {
			if !s.reply(conn, s.errorFrame(req.Seq, wire.ErrRateLimit(s.guard.RetryAfter()))) {
				return
			}
			continue
		}

		if !s.reply(conn, s.dispatch(ctx, req)) {
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, resp *wire.Envelope) bool {
	if resp == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(constants.RPCTimeout))
	if err := wire.WriteFrame(conn, resp); err != nil {
		s.logger.Debug("Failed to write reply", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) errorFrame(seq uint64, werr *wire.Error) *wire.Envelope {
	env, err := wire.ErrorEnvelope(s.self(), seq, werr)
	if err != nil {
		s.logger.Error("Failed to build error frame", zap.Error(err))
		return nil
	}
	return env
}

func (s *Server) dispatch(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	if err := req.Validate(); err != nil {
		return s.errorFrame(req.Seq, asWireError(err))
	}

	from, err := req.Sender()
	if err != nil {
		return s.errorFrame(req.Seq, wire.NewError(constants.ErrorBadRequest, "malformed sender"))
	}
	self := s.self()
	if from.ID == self.ID {
		return s.errorFrame(req.Seq, ErrSelfRequest)
	}
	for _, ep := range from.Endpoints {
		if s.guard.IsBlacklisted(ep.String()) {
			s.logger.Debug("Refusing blacklisted sender",
				zap.String("endpoint", ep.String()),
				zap.Stringer("id", from.ID))
			return s.errorFrame(req.Seq, ErrBlacklistedSender)
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.errorFrame(req.Seq, ErrNotRunning)
	}
	defer s.sem.Release(1)

	kind, body, err := s.handle(ctx, from, req)
	if err != nil {
		return s.errorFrame(req.Seq, asWireError(err))
	}

	if s.observer != nil {
		s.observer.ContactSeen(from)
	}

	resp, err := wire.NewEnvelope(kind, self, req.Seq, body)
	if err != nil {
		s.logger.Error("Failed to build reply", zap.Error(err))
		return s.errorFrame(req.Seq, wire.NewError(constants.ErrorInternal, "failed to encode reply"))
	}
	return resp
}

func (s *Server) handle(ctx context.Context, from *kad.Contact, req *wire.Envelope) (uint16, interface{}, error) {
	switch req.Kind {
	case constants.KindPing:
		var body wire.PingBody
		if err := req.DecodeBody(&body); err != nil {
			return 0, nil, badRequest(err)
		}
		if err := s.handler.HandlePing(ctx, from); err != nil {
			return 0, nil, err
		}
		return constants.KindPong, &wire.PongBody{Token: body.Token}, nil

	case constants.KindFindNode:
		var body wire.FindNodeBody
		if err := req.DecodeBody(&body); err != nil {
			return 0, nil, badRequest(err)
		}
		key, err := kad.IDFromBytes(body.Key)
		if err != nil {
			return 0, nil, badRequest(err)
		}
		contacts, err := s.handler.HandleFindNode(ctx, from, key)
		if err != nil {
			return 0, nil, err
		}
		return constants.KindFindNodeReply, &wire.FindNodeReplyBody{Contacts: wire.ContactsToInfo(contacts)}, nil

	case constants.KindFindValue:
		var body wire.FindValueBody
		if err := req.DecodeBody(&body); err != nil {
			return 0, nil, badRequest(err)
		}
		key, err := kad.IDFromBytes(body.Key)
		if err != nil {
			return 0, nil, badRequest(err)
		}
		result, err := s.handler.HandleFindValue(ctx, from, key)
		if err != nil {
			return 0, nil, err
		}
		if result.Found {
			return constants.KindFindValueReply, &wire.FindValueReplyBody{Found: true, Value: result.Value}, nil
		}
		return constants.KindFindValueReply, &wire.FindValueReplyBody{Contacts: wire.ContactsToInfo(result.Contacts)}, nil

	case constants.KindStore:
		var body wire.StoreBody
		if err := req.DecodeBody(&body); err != nil {
			return 0, nil, badRequest(err)
		}
		key, err := kad.IDFromBytes(body.Key)
		if err != nil {
			return 0, nil, badRequest(err)
		}
		if len(body.Value) > constants.MaxValueSize {
			return 0, nil, wire.NewError(constants.ErrorValueTooLarge,
				fmt.Sprintf("value of %d bytes exceeds %d", len(body.Value), constants.MaxValueSize))
		}
		err = s.handler.HandleStore(ctx, from, StoreRequest{
			Key:               key,
			Value:             body.Value,
			Cached:            body.Cached,
			ExpirationSeconds: int(body.Expiration),
		})
		if err != nil {
			return 0, nil, err
		}
		return constants.KindStoreReply, &wire.StoreReplyBody{Stored: true}, nil

	default:
		return 0, nil, wire.NewError(constants.ErrorBadRequest,
			fmt.Sprintf("unsupported message kind %s", wire.KindName(req.Kind)))
	}
}

func badRequest(err error) *wire.Error {
	return wire.NewError(constants.ErrorBadRequest, err.Error())
}

func asWireError(err error) *wire.Error {
	var werr *wire.Error
	if errors.As(err, &werr) {
		return werr
	}
	return wire.NewError(constants.ErrorInternal, err.Error())
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
