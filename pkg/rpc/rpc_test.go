package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/pool"
	"github.com/WebFirstLanguage/combsync/pkg/transport/tcp"
)

type fakeHandler struct {
	mu        sync.Mutex
	stored    []StoreRequest
	values    map[kad.ID][]byte
	contacts  []*kad.Contact
	pingDelay time.Duration
	err       error
}

func (h *fakeHandler) HandlePing(ctx context.Context, from *kad.Contact) error {
	if h.pingDelay > 0 {
		select {
		case <-time.After(h.pingDelay):
		case <-ctx.Done():
		}
	}
	return h.err
}

func (h *fakeHandler) HandleFindNode(ctx context.Context, from *kad.Contact, key kad.ID) ([]*kad.Contact, error) {
	return h.contacts, h.err
}

func (h *fakeHandler) HandleFindValue(ctx context.Context, from *kad.Contact, key kad.ID) (FindValueResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.values[key]; ok {
		return FindValueResult{Found: true, Value: v}, nil
	}
	return FindValueResult{Contacts: h.contacts}, h.err
}

func (h *fakeHandler) HandleStore(ctx context.Context, from *kad.Contact, req StoreRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored = append(h.stored, req)
	return h.err
}

type recordingObserver struct {
	mu     sync.Mutex
	seen   []*kad.Contact
	failed []*Error
}

func (o *recordingObserver) ContactSeen(c *kad.Contact) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, c)
}

func (o *recordingObserver) ContactFailed(id kad.ID, endpoint kad.Endpoint, err *Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) seenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}

func localContact(machine string) *kad.Contact {
	return kad.NewContact(kad.NewRandomID(), machine,
		kad.Endpoint{Host: "127.0.0.1", Port: constants.DefaultRPCPort})
}

func startServer(t *testing.T, handler Handler, self func() *kad.Contact, observer Observer) kad.Endpoint {
	t.Helper()
	return startGuardedServer(t, handler, self, observer, nil)
}

func startGuardedServer(t *testing.T, handler Handler, self func() *kad.Contact, observer Observer, guard *Guard) kad.Endpoint {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := tcp.New().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := NewServer(&ServerConfig{
		Listener: listener,
		Handler:  handler,
		Observer: observer,
		Self:     self,
		Guard:    guard,
	})
	require.NoError(t, err)

	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	ep, err := kad.ParseEndpoint(listener.Addr().String())
	require.NoError(t, err)
	return ep
}

func newTestClient(t *testing.T, self *kad.Contact, observer Observer, timeout time.Duration) *Client {
	t.Helper()

	p := pool.New(tcp.New(), pool.Config{}, nil)
	t.Cleanup(func() { p.Close() })

	client, err := NewClient(&ClientConfig{
		Self:     func() *kad.Contact { return self },
		Pool:     p,
		Observer: observer,
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return client
}

func TestClient_Ping(t *testing.T) {
	server := localContact("server")
	serverObserver := &recordingObserver{}
	ep := startServer(t, &fakeHandler{}, func() *kad.Contact { return server }, serverObserver)

	self := localContact("client")
	observer := &recordingObserver{}
	client := newTestClient(t, self, observer, time.Second)

	from, rerr := client.Ping(context.Background(), ep.Host, ep.Port)
	require.Nil(t, rerr)
	assert.Equal(t, server.ID, from.ID)
	assert.Equal(t, "server", from.MachineID)
	assert.Equal(t, ep, from.Endpoints[0], "reached endpoint should be preferred")

	assert.Equal(t, 1, observer.seenCount())
	assert.Equal(t, 1, serverObserver.seenCount())

	id, ok := client.Book().Lookup(ep.String())
	require.True(t, ok)
	assert.Equal(t, server.ID, id)
}

func TestClient_FindNodeFindValueStore(t *testing.T) {
	server := localContact("server")
	known := []*kad.Contact{localContact("a"), localContact("b")}
	key := kad.KeyFor([]byte("doc"))
	handler := &fakeHandler{
		contacts: known,
		values:   map[kad.ID][]byte{key: []byte("meta")},
	}
	ep := startServer(t, handler, func() *kad.Contact { return server }, nil)
	client := newTestClient(t, localContact("client"), nil, time.Second)
	ctx := context.Background()

	contacts, rerr := client.FindNode(ctx, kad.NewRandomID(), ep.Host, ep.Port)
	require.Nil(t, rerr)
	require.Len(t, contacts, 2)
	assert.Equal(t, known[0].ID, contacts[0].ID)

	result, rerr := client.FindValue(ctx, key, ep.Host, ep.Port)
	require.Nil(t, rerr)
	assert.True(t, result.Found)
	assert.Equal(t, []byte("meta"), result.Value)
	assert.Empty(t, result.Contacts)

	result, rerr = client.FindValue(ctx, kad.NewRandomID(), ep.Host, ep.Port)
	require.Nil(t, rerr)
	assert.False(t, result.Found)
	assert.Nil(t, result.Value)
	assert.Len(t, result.Contacts, 2)

	rerr = client.Store(ctx, key, []byte("v2"), true, 60, ep.Host, ep.Port)
	require.Nil(t, rerr)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.stored, 1)
	assert.Equal(t, key, handler.stored[0].Key)
	assert.True(t, handler.stored[0].Cached)
	assert.Equal(t, 60, handler.stored[0].ExpirationSeconds)
}

func TestClient_StoreValueTooLarge(t *testing.T) {
	server := localContact("server")
	ep := startServer(t, &fakeHandler{}, func() *kad.Contact { return server }, nil)
	client := newTestClient(t, localContact("client"), nil, time.Second)

	big := make([]byte, constants.MaxValueSize+1)
	rerr := client.Store(context.Background(), kad.NewRandomID(), big, false, 0, ep.Host, ep.Port)
	require.NotNil(t, rerr)
	remote, ok := rerr.Remote()
	require.True(t, ok)
	assert.Equal(t, uint16(constants.ErrorValueTooLarge), remote.Code)
}

func TestClient_IdentityMismatch(t *testing.T) {
	var current atomic.Pointer[kad.Contact]
	current.Store(localContact("original"))
	ep := startServer(t, &fakeHandler{}, func() *kad.Contact { return current.Load() }, nil)

	observer := &recordingObserver{}
	client := newTestClient(t, localContact("client"), observer, time.Second)
	ctx := context.Background()

	_, rerr := client.Ping(ctx, ep.Host, ep.Port)
	require.Nil(t, rerr)
	require.Equal(t, 1, observer.seenCount())

	// Another node now answers at the same endpoint
	current.Store(localContact("impostor"))

	for i := 1; i < constants.MalfactorThreshold; i++ {
		_, rerr = client.Ping(ctx, ep.Host, ep.Port)
		require.NotNil(t, rerr)
		assert.ErrorIs(t, rerr, ErrIDMismatch)
	}

	_, rerr = client.Ping(ctx, ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrMalfactorAttack)

	// Blacklisted endpoints fail fast
	_, rerr = client.Ping(ctx, ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrMalfactorAttack)

	assert.Equal(t, 1, observer.seenCount(), "mismatching responders must not be reported as seen")
}

func TestClient_MalfactorSparesHostNeighbours(t *testing.T) {
	good := localContact("good")
	goodEP := startServer(t, &fakeHandler{}, func() *kad.Contact { return good }, nil)

	var current atomic.Pointer[kad.Contact]
	current.Store(localContact("bad"))
	badEP := startServer(t, &fakeHandler{}, func() *kad.Contact { return current.Load() }, nil)
	require.Equal(t, goodEP.Host, badEP.Host)

	client := newTestClient(t, localContact("client"), nil, time.Second)
	ctx := context.Background()

	_, rerr := client.Ping(ctx, goodEP.Host, goodEP.Port)
	require.Nil(t, rerr)
	_, rerr = client.Ping(ctx, badEP.Host, badEP.Port)
	require.Nil(t, rerr)

	for i := 0; i < constants.MalfactorThreshold; i++ {
		current.Store(localContact("forged"))
		client.Ping(ctx, badEP.Host, badEP.Port)
	}
	_, rerr = client.Ping(ctx, badEP.Host, badEP.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrMalfactorAttack)

	from, rerr := client.Ping(ctx, goodEP.Host, goodEP.Port)
	require.Nil(t, rerr, "a node sharing the malfactor's host must stay reachable")
	assert.Equal(t, good.ID, from.ID)
}

func TestServer_RefusesBlacklistedSender(t *testing.T) {
	server := localContact("server")
	guard := NewGuard(nil)
	observer := &recordingObserver{}
	ep := startGuardedServer(t, &fakeHandler{}, func() *kad.Contact { return server }, observer, guard)

	banned := kad.NewContact(kad.NewRandomID(), "banned", kad.Endpoint{Host: "127.0.0.1", Port: 40001})
	honest := kad.NewContact(kad.NewRandomID(), "honest", kad.Endpoint{Host: "127.0.0.1", Port: 40002})
	guard.Blacklist(banned.Endpoints[0].String())

	_, rerr := newTestClient(t, banned, nil, time.Second).Ping(context.Background(), ep.Host, ep.Port)
	require.NotNil(t, rerr)
	remote, ok := rerr.Remote()
	require.True(t, ok)
	assert.Equal(t, uint16(constants.ErrorBlacklisted), remote.Code)

	_, rerr = newTestClient(t, honest, nil, time.Second).Ping(context.Background(), ep.Host, ep.Port)
	require.Nil(t, rerr, "another sender on the same host is served")
	assert.Equal(t, 1, observer.seenCount())
}

func TestClient_EndpointUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := kad.ParseEndpoint(l.Addr().String())
	require.NoError(t, err)
	l.Close()

	client := newTestClient(t, localContact("client"), nil, time.Second)
	_, rerr := client.Ping(context.Background(), ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrEndpointUnreachable)
	assert.True(t, rerr.Retryable())
}

func TestClient_Timeout(t *testing.T) {
	server := localContact("server")
	ep := startServer(t, &fakeHandler{pingDelay: time.Second}, func() *kad.Contact { return server }, nil)
	client := newTestClient(t, localContact("client"), nil, 100*time.Millisecond)

	start := time.Now()
	_, rerr := client.Ping(context.Background(), ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestClient_Cancelled(t *testing.T) {
	server := localContact("server")
	ep := startServer(t, &fakeHandler{}, func() *kad.Contact { return server }, nil)
	client := newTestClient(t, localContact("client"), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, rerr := client.Ping(ctx, ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrCancelled)
	assert.False(t, rerr.Retryable())
}

func TestClient_RemoteError(t *testing.T) {
	server := localContact("server")
	ep := startServer(t, &fakeHandler{err: ErrNotRunning}, func() *kad.Contact { return server }, nil)
	client := newTestClient(t, localContact("client"), nil, time.Second)

	_, rerr := client.Ping(context.Background(), ep.Host, ep.Port)
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, ErrOther)

	remote, ok := rerr.Remote()
	require.True(t, ok)
	assert.Equal(t, uint16(constants.ErrorNotRunning), remote.Code)
	assert.True(t, rerr.Retryable(), "a node that is not running yet may answer later")
}

func TestServer_RejectsSelfRequest(t *testing.T) {
	self := localContact("same")
	ep := startServer(t, &fakeHandler{}, func() *kad.Contact { return self }, nil)
	client := newTestClient(t, self, nil, time.Second)

	_, rerr := client.Ping(context.Background(), ep.Host, ep.Port)
	require.NotNil(t, rerr)
	remote, ok := rerr.Remote()
	require.True(t, ok)
	assert.Equal(t, uint16(constants.ErrorSelfRequest), remote.Code)
	assert.False(t, rerr.Retryable())
}

func TestError_KindsAndMatching(t *testing.T) {
	tests := []struct {
		kind      Kind
		sentinel  *Error
		retryable bool
	}{
		{KindTimeout, ErrTimeout, true},
		{KindEndpointUnreachable, ErrEndpointUnreachable, true},
		{KindIDMismatch, ErrIDMismatch, false},
		{KindMalfactorAttack, ErrMalfactorAttack, false},
		{KindCancelled, ErrCancelled, false},
		{KindOther, ErrOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := newError(tt.kind, "10.0.0.1:1", "detail", nil)
			var wrapped error = err
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Contains(t, err.Error(), tt.kind.String())
		})
	}

	assert.False(t, errors.Is(newError(KindTimeout, "", "", nil), ErrCancelled))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	dialErr := &pool.DialError{Endpoint: "x", Err: errors.New("refused")}
	assert.Equal(t, KindEndpointUnreachable, classify(ctx, "x", dialErr).Kind)
	assert.Equal(t, KindTimeout, classify(ctx, "x", pool.ErrWaitTimeout).Kind)
	assert.Equal(t, KindTimeout, classify(ctx, "x", errors.New("broken pipe")).Kind)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, KindCancelled, classify(cancelled, "x", dialErr).Kind)
}
