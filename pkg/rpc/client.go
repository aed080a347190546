// Package rpc implements the DHT request/response protocol: PING, FIND_NODE,
// FIND_VALUE and STORE over pooled stream connections, the failure taxonomy
// callers act on, and the identity checks that reject responders answering
// under a different id than the one on file for their endpoint.
package rpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/pool"
	"github.com/WebFirstLanguage/combsync/pkg/wire"
)

// maxStaleFrames bounds how many out-of-sequence frames an exchange skips
const maxStaleFrames = 4

// Observer is told about the outcome of every exchange
type Observer interface {
	// ContactSeen is called after an identity-consistent response
	ContactSeen(c *kad.Contact)

	// ContactFailed is called after a transport failure talking to a known id
	ContactFailed(id kad.ID, endpoint kad.Endpoint, err *Error)
}

// Recorder receives RPC outcome measurements
type Recorder interface {
	ObserveRPC(kind, outcome string, elapsed time.Duration)
}

// FindValueResult is the outcome of FIND_VALUE: either the value or the
// closest contacts the responder knows, never both
type FindValueResult struct {
	Found    bool
	Value    []byte
	Contacts []*kad.Contact
}

// ClientConfig holds RPC client configuration
type ClientConfig struct {
	// Self returns the local contact sent with every request
	Self func() *kad.Contact

	Pool     *pool.Pool
	Book     *IdentityBook
	Guard    *Guard
	Observer Observer
	Recorder Recorder

	// Timeout bounds a whole call, including socket checkout
	Timeout time.Duration

	// ConnectTimeout bounds dialling a new connection
	ConnectTimeout time.Duration

	Logger *zap.Logger
}

// Client issues RPCs. It never retries.
type Client struct {
	self     func() *kad.Contact
	pool     *pool.Pool
	book     *IdentityBook
	guard    *Guard
	observer Observer
	recorder Recorder
	timeout  time.Duration
	connect  time.Duration
	logger   *zap.Logger

	seq atomic.Uint64
}

// NewClient creates an RPC client
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Self == nil {
		return nil, fmt.Errorf("self contact provider is required")
	}
	if config.Pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	book := config.Book
	if book == nil {
		var err error
		book, err = NewIdentityBook(DefaultBookSize, constants.MalfactorThreshold)
		if err != nil {
			return nil, err
		}
	}

	guard := config.Guard
	if guard == nil {
		guard = NewGuard(nil)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = constants.RPCTimeout
	}

	connect := config.ConnectTimeout
	if connect <= 0 {
		connect = constants.ConnectTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		self:     config.Self,
		pool:     config.Pool,
		book:     book,
		guard:    guard,
		observer: config.Observer,
		recorder: config.Recorder,
		timeout:  timeout,
		connect:  connect,
		logger:   logger.Named("rpc"),
	}, nil
}

// Book returns the identity book used to verify responders
func (c *Client) Book() *IdentityBook {
	return c.book
}

// Ping checks that the node at host:port is alive and returns its contact
func (c *Client) Ping(ctx context.Context, host string, port int) (*kad.Contact, *Error) {
	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return nil, newError(KindOther, "", "failed to generate token", err)
	}

	var reply wire.PongBody
	from, rerr := c.call(ctx, endpointOf(host, port), constants.KindPing, &wire.PingBody{Token: token}, &reply)
	if rerr != nil {
		return nil, rerr
	}
	if !bytes.Equal(reply.Token, token) {
		return nil, newError(KindOther, endpointOf(host, port).String(), "pong token mismatch", nil)
	}
	return from, nil
}

// FindNode asks the node at host:port for the contacts closest to key
func (c *Client) FindNode(ctx context.Context, key kad.ID, host string, port int) ([]*kad.Contact, *Error) {
	var reply wire.FindNodeReplyBody
	if _, rerr := c.call(ctx, endpointOf(host, port), constants.KindFindNode, &wire.FindNodeBody{Key: key.Bytes()}, &reply); rerr != nil {
		return nil, rerr
	}
	return wire.InfoToContacts(reply.Contacts), nil
}

// FindValue asks the node at host:port for the value under key
func (c *Client) FindValue(ctx context.Context, key kad.ID, host string, port int) (FindValueResult, *Error) {
	var reply wire.FindValueReplyBody
	if _, rerr := c.call(ctx, endpointOf(host, port), constants.KindFindValue, &wire.FindValueBody{Key: key.Bytes()}, &reply); rerr != nil {
		return FindValueResult{}, rerr
	}
	if reply.Found {
		return FindValueResult{Found: true, Value: reply.Value}, nil
	}
	return FindValueResult{Contacts: wire.InfoToContacts(reply.Contacts)}, nil
}

// Store asks the node at host:port to keep value under key
func (c *Client) Store(ctx context.Context, key kad.ID, value []byte, isCached bool, expirationSeconds int, host string, port int) *Error {
	if expirationSeconds < 0 {
		expirationSeconds = 0
	}
	body := &wire.StoreBody{
		Key:        key.Bytes(),
		Value:      value,
		Cached:     isCached,
		Expiration: uint32(expirationSeconds),
	}

	var reply wire.StoreReplyBody
	if _, rerr := c.call(ctx, endpointOf(host, port), constants.KindStore, body, &reply); rerr != nil {
		return rerr
	}
	if !reply.Stored {
		return newError(KindOther, endpointOf(host, port).String(), "store refused", nil)
	}
	return nil
}

func endpointOf(host string, port int) kad.Endpoint {
	return kad.Endpoint{Host: host, Port: port}
}

// call performs one request/response exchange and verifies the responder
func (c *Client) call(ctx context.Context, ep kad.Endpoint, kind uint16, body, reply interface{}) (*kad.Contact, *Error) {
	start := time.Now()
	from, rerr := c.exchange(ctx, ep, kind, body, reply)
	if c.recorder != nil {
		outcome := "ok"
		if rerr != nil {
			outcome = rerr.Kind.String()
		}
		c.recorder.ObserveRPC(wire.KindName(kind), outcome, time.Since(start))
	}
	return from, rerr
}

func (c *Client) exchange(ctx context.Context, ep kad.Endpoint, kind uint16, body, reply interface{}) (*kad.Contact, *Error) {
	addr := ep.String()
	if !ep.IsValid() {
		return nil, newError(KindEndpointUnreachable, addr, "invalid endpoint", nil)
	}
	if c.guard.IsBlacklisted(addr) {
		return nil, newError(KindMalfactorAttack, addr, "endpoint is blacklisted", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	seq := c.seq.Add(1)
	req, err := wire.NewEnvelope(kind, c.self(), seq, body)
	if err != nil {
		return nil, newError(KindOther, addr, "failed to build request", err)
	}

	sock, err := c.pool.Socket(ctx, addr, pool.Options{
		ConnectTimeout:  c.connect,
		IOTimeout:       c.timeout,
		MaxWaitToReturn: c.timeout,
	})
	if err != nil {
		rerr := classify(ctx, addr, err)
		c.failed(ep, rerr)
		return nil, rerr
	}

	resp, err := roundTrip(ctx, sock, req)
	if err != nil {
		sock.MarkFailed()
		sock.ReturnedToPool()
		rerr := classify(ctx, addr, err)
		c.failed(ep, rerr)
		return nil, rerr
	}
	sock.ReturnedToPool()

	if err := resp.Validate(); err != nil {
		return nil, newError(KindOther, addr, "invalid response", err)
	}
	if wire.IsErrorEnvelope(resp) {
		werr, err := wire.ExtractError(resp)
		if err != nil {
			return nil, newError(KindOther, addr, "malformed error frame", err)
		}
		return nil, newError(KindOther, addr, werr.Reason, werr)
	}
	if want, _ := wire.ReplyKind(kind); resp.Kind != want {
		return nil, newError(KindOther, addr,
			fmt.Sprintf("unexpected %s reply to %s", wire.KindName(resp.Kind), wire.KindName(kind)), nil)
	}

	from, err := resp.Sender()
	if err != nil {
		return nil, newError(KindOther, addr, "malformed sender", err)
	}

	switch verdict, violations := c.book.Check(addr, from.ID); verdict {
	case VerdictMismatch:
		c.logger.Warn("Responder id mismatch",
			zap.String("endpoint", addr),
			zap.Stringer("id", from.ID),
			zap.Int("violations", violations))
		return nil, newError(KindIDMismatch, addr, "responder is "+from.ID.Short(), nil)
	case VerdictMalfactor:
		c.guard.Blacklist(addr)
		c.logger.Warn("Malfactor detected",
			zap.String("endpoint", addr),
			zap.Stringer("id", from.ID),
			zap.Int("violations", violations))
		return nil, newError(KindMalfactorAttack, addr, "repeated identity violations", nil)
	}

	if err := resp.DecodeBody(reply); err != nil {
		return nil, newError(KindOther, addr, "malformed reply body", err)
	}

	// The endpoint we reached is proven, so it goes first
	from.Endpoints = preferEndpoint(from.Endpoints, ep)
	if c.observer != nil {
		c.observer.ContactSeen(from.Copy())
	}
	return from, nil
}

// roundTrip writes req and reads until the reply with the same sequence arrives
func roundTrip(ctx context.Context, sock *pool.PooledSocket, req *wire.Envelope) (*wire.Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		sock.Conn().SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteFrame(sock, req); err != nil {
		return nil, err
	}

	for i := 0; i < maxStaleFrames; i++ {
		resp, err := wire.ReadFrame(sock)
		if err != nil {
			return nil, err
		}
		if resp.Seq == req.Seq {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("no reply for sequence %d", req.Seq)
}

func (c *Client) failed(ep kad.Endpoint, rerr *Error) {
	c.logger.Debug("RPC failed",
		zap.String("endpoint", ep.String()),
		zap.String("kind", rerr.Kind.String()),
		zap.Error(rerr))

	if c.observer == nil || rerr.Kind == KindCancelled {
		return
	}
	if id, ok := c.book.Lookup(ep.String()); ok {
		c.observer.ContactFailed(id, ep, rerr)
	}
}

func preferEndpoint(endpoints []kad.Endpoint, ep kad.Endpoint) []kad.Endpoint {
	out := make([]kad.Endpoint, 0, len(endpoints)+1)
	out = append(out, ep)
	for _, e := range endpoints {
		if e != ep {
			out = append(out, e)
		}
	}
	return out
}
