// Package dht implements the Kademlia node: the routing table, the value
// store, the request handlers and the iterative operations built on the RPC
// client, together with the node lifecycle and its background maintenance.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/metrics"
	"github.com/WebFirstLanguage/combsync/pkg/pool"
	"github.com/WebFirstLanguage/combsync/pkg/rpc"
	"github.com/WebFirstLanguage/combsync/pkg/transport"
	"github.com/WebFirstLanguage/combsync/pkg/transport/broadcast"
)

// DefaultCacheExpirationSeconds is the lifetime of values cached at the
// closest node that lacked them during a Get
const DefaultCacheExpirationSeconds = 24 * 60 * 60

// ErrValueTooLarge is returned by Put for values above constants.MaxValueSize
var ErrValueTooLarge = errors.New("dht: value exceeds maximum size")

// State represents the lifecycle state of a node
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EndpointLister reports the local addresses a node can be reached at
type EndpointLister interface {
	Endpoints(reachableOnly bool) ([]kad.Endpoint, error)
}

// Config holds DHT configuration
type Config struct {
	// MachineID is the stable identifier of this machine (required)
	MachineID string

	// ID overrides the node id, which is otherwise derived from MachineID
	ID kad.ID

	// Transport carries RPCs (required)
	Transport  transport.StreamTransport
	ListenAddr string // default ":27490"

	// AdvertisedEndpoints are sent to peers verbatim when set. Otherwise
	// Endpoints is asked, and failing that the listener address is used.
	AdvertisedEndpoints []kad.Endpoint
	Endpoints           EndpointLister

	// Seeds and SeedFile list the nodes Bootstrap contacts
	Seeds    []kad.Endpoint
	SeedFile string

	Alpha int // Lookup concurrency (default: 3)

	RPCTimeout           time.Duration
	ConnectTimeout       time.Duration
	EvictionProbeTimeout time.Duration
	MaintenanceInterval  time.Duration
	RepublishInterval    time.Duration
	StaleContactAge      time.Duration

	// MaxFailures consecutive failed RPCs drop a contact
	MaxFailures int

	Pool  pool.Config
	Guard *rpc.GuardConfig

	// LAN announcements over UDP broadcast
	Announce         bool
	AnnounceAddr     string
	AnnounceTargets  []net.IP
	AnnouncePort     int
	AnnounceInterval time.Duration

	CacheExpirationSeconds int

	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *zap.Logger
}

var (
	_ rpc.Handler      = (*DHT)(nil)
	_ rpc.Observer     = (*DHT)(nil)
	_ ContactEvaluator = (*DHT)(nil)
)

// DHT is a Kademlia node
type DHT struct {
	config  Config
	table   *RoutingTable
	store   *ValueStore
	pool    *pool.Pool
	guard   *rpc.Guard
	client  *rpc.Client
	seeds   *Bootstrap
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger

	selfMu sync.RWMutex
	self   *kad.Contact

	state  atomic.Int32
	runCtx atomic.Pointer[context.Context]

	// Lifecycle
	lifeMu    sync.Mutex
	cancel    context.CancelFunc
	server    *rpc.Server
	announcer *broadcast.Conn
	wg        sync.WaitGroup

	failMu   sync.Mutex
	failures map[kad.ID]int
}

// New creates a stopped node
func New(config *Config) (*DHT, error) {
	if config.MachineID == "" {
		return nil, fmt.Errorf("machine ID is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	cfg := *config
	if cfg.ID.IsZero() {
		cfg.ID = kad.DeriveID(cfg.MachineID)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":" + strconv.Itoa(constants.DefaultRPCPort)
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = constants.DHTAlpha
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = constants.RPCTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.ConnectTimeout
	}
	if cfg.EvictionProbeTimeout <= 0 {
		cfg.EvictionProbeTimeout = constants.EvictionProbeTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = constants.MaintenanceInterval
	}
	if cfg.RepublishInterval <= 0 {
		cfg.RepublishInterval = constants.RepublishInterval
	}
	if cfg.StaleContactAge <= 0 {
		cfg.StaleContactAge = constants.StaleContactAge
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = constants.DHTMaxFailures
	}
	if cfg.AnnouncePort <= 0 {
		cfg.AnnouncePort = constants.DefaultAnnouncePort
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = constants.AnnounceInterval
	}
	if cfg.CacheExpirationSeconds <= 0 {
		cfg.CacheExpirationSeconds = DefaultCacheExpirationSeconds
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Pool.Clock == nil {
		cfg.Pool.Clock = cfg.Clock
	}

	guardConfig := cfg.Guard
	if guardConfig == nil {
		guardConfig = rpc.DefaultGuardConfig()
	}
	if guardConfig.Clock == nil {
		guardConfig.Clock = cfg.Clock
	}

	logger := cfg.Logger.Named("dht")
	self := kad.NewContact(cfg.ID, cfg.MachineID, cfg.AdvertisedEndpoints...)

	d := &DHT{
		config:   cfg,
		store:    NewValueStore(cfg.Clock),
		pool:     pool.New(cfg.Transport, cfg.Pool, cfg.Logger),
		guard:    rpc.NewGuard(guardConfig),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   logger,
		self:     self,
		failures: make(map[kad.ID]int),
	}
	d.table = NewRoutingTable(self, d, logger)

	book, err := rpc.NewIdentityBook(rpc.DefaultBookSize, constants.MalfactorThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity book: %w", err)
	}

	client, err := rpc.NewClient(&rpc.ClientConfig{
		Self:           d.Self,
		Pool:           d.pool,
		Book:           book,
		Guard:          d.guard,
		Observer:       d,
		Recorder:       cfg.Metrics,
		Timeout:        cfg.RPCTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	d.client = client

	seeds, err := NewBootstrap(&BootstrapConfig{
		DHT:      d,
		Seeds:    cfg.Seeds,
		SeedFile: cfg.SeedFile,
	})
	if err != nil {
		return nil, err
	}
	d.seeds = seeds

	return d, nil
}

// Self returns a copy of the local contact
func (d *DHT) Self() *kad.Contact {
	d.selfMu.RLock()
	defer d.selfMu.RUnlock()
	c := d.self.Copy()
	c.LastSeen = d.clock.Now()
	return c
}

// ID returns the local node id
func (d *DHT) ID() kad.ID {
	return d.config.ID
}

// State returns the current lifecycle state
func (d *DHT) State() State {
	return State(d.state.Load())
}

func (d *DHT) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	if old != s {
		d.logger.Info("Node state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", s))
	}
}

// Table returns the routing table
func (d *DHT) Table() *RoutingTable {
	return d.table
}

// ValueStore returns the local value store
func (d *DHT) ValueStore() *ValueStore {
	return d.store
}

// Client returns the RPC client
func (d *DHT) Client() *rpc.Client {
	return d.client
}

// Addr returns the RPC listener address while running
func (d *DHT) Addr() net.Addr {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.server == nil {
		return nil
	}
	return d.server.Addr()
}

// Start binds the listener and starts serving. Starting a running node is a
// no-op.
func (d *DHT) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.State() == StateRunning {
		return nil
	}
	d.setState(StateStarting)

	listener, err := d.config.Transport.Listen(ctx, d.config.ListenAddr)
	if err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("failed to listen on %s: %w", d.config.ListenAddr, err)
	}

	d.selfMu.Lock()
	d.self.Endpoints = d.selfEndpoints(listener.Addr())
	d.selfMu.Unlock()

	server, err := rpc.NewServer(&rpc.ServerConfig{
		Listener:    listener,
		Handler:     d,
		Observer:    d,
		Self:        d.Self,
		Guard:       d.guard,
		IdleTimeout: d.config.Pool.IdleTimeout,
		Logger:      d.config.Logger,
	})
	if err != nil {
		listener.Close()
		d.setState(StateStopped)
		return fmt.Errorf("failed to create RPC server: %w", err)
	}

	var announcer *broadcast.Conn
	if d.config.Announce {
		announcer, err = d.openAnnouncer()
		if err != nil {
			d.logger.Warn("LAN announcements disabled", zap.Error(err))
			announcer = nil
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.runCtx.Store(&runCtx)
	d.cancel = cancel
	d.server = server
	d.announcer = announcer
	d.setState(StateRunning)

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := server.Serve(runCtx); err != nil {
			d.logger.Error("RPC server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer d.wg.Done()
		d.pool.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.maintenanceLoop(runCtx)
	}()

	if announcer != nil {
		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			d.announceLoop(runCtx, announcer)
		}()
		go func() {
			defer d.wg.Done()
			d.receiveLoop(runCtx, announcer)
		}()
	}

	d.logger.Info("Node started",
		zap.Stringer("id", d.config.ID),
		zap.String("transport", d.config.Transport.Name()),
		zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop stops serving and closes pooled connections. Stopping a stopped node
// is a no-op; a stopped node can be started again.
func (d *DHT) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.State() == StateStopped {
		return nil
	}
	d.setState(StateStopping)

	if d.cancel != nil {
		d.cancel()
	}

	var err error
	if d.server != nil {
		err = multierr.Append(err, d.server.Close())
	}
	if d.announcer != nil {
		err = multierr.Append(err, d.announcer.Close())
	}
	err = multierr.Append(err, d.pool.Drain())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("timed out waiting for node goroutines: %w", ctx.Err()))
	}

	d.server = nil
	d.announcer = nil
	d.cancel = nil
	d.runCtx.Store(nil)
	d.setState(StateStopped)
	return err
}

// selfEndpoints decides what the node advertises
func (d *DHT) selfEndpoints(addr net.Addr) []kad.Endpoint {
	if len(d.config.AdvertisedEndpoints) > 0 {
		return append([]kad.Endpoint(nil), d.config.AdvertisedEndpoints...)
	}

	port := 0
	host := ""
	if h, p, err := net.SplitHostPort(addr.String()); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}

	if d.config.Endpoints != nil {
		listed, err := d.config.Endpoints.Endpoints(true)
		if err != nil {
			d.logger.Warn("Failed to list local endpoints", zap.Error(err))
		}
		endpoints := make([]kad.Endpoint, 0, len(listed))
		for _, ep := range listed {
			if ep.Port == 0 {
				ep.Port = port
			}
			if ep.IsValid() {
				endpoints = append(endpoints, ep)
			}
		}
		if len(endpoints) > 0 {
			return endpoints
		}
	}

	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return []kad.Endpoint{{Host: host, Port: port}}
}

func (d *DHT) checkRunning() error {
	if d.State() != StateRunning {
		return rpc.ErrNotRunning
	}
	return nil
}

// HandlePing answers PING
func (d *DHT) HandlePing(ctx context.Context, from *kad.Contact) error {
	return d.checkRunning()
}

// HandleFindNode returns the K closest contacts to key, leaving out the
// requester's own machine
func (d *DHT) HandleFindNode(ctx context.Context, from *kad.Contact, key kad.ID) ([]*kad.Contact, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}
	return d.table.GetCloseContacts(key, from.MachineID), nil
}

// HandleFindValue returns the value if held, otherwise closer contacts
func (d *DHT) HandleFindValue(ctx context.Context, from *kad.Contact, key kad.ID) (rpc.FindValueResult, error) {
	if err := d.checkRunning(); err != nil {
		return rpc.FindValueResult{}, err
	}
	if value, ok := d.store.TryGet(key); ok {
		return rpc.FindValueResult{Found: true, Value: value}, nil
	}
	return rpc.FindValueResult{Contacts: d.table.GetCloseContacts(key, from.MachineID)}, nil
}

// HandleStore stores a value on behalf of the sender
func (d *DHT) HandleStore(ctx context.Context, from *kad.Contact, req rpc.StoreRequest) error {
	if err := d.checkRunning(); err != nil {
		return err
	}
	if req.Cached {
		d.store.Cache(req.Key, req.Value, req.ExpirationSeconds)
	} else {
		d.store.Set(req.Key, req.Value, req.ExpirationSeconds)
	}
	d.metrics.SetValues(d.store.Len())
	return nil
}

// ContactSeen records a successful exchange with c
func (d *DHT) ContactSeen(c *kad.Contact) {
	if c == nil || c.ID == d.config.ID {
		return
	}

	d.failMu.Lock()
	delete(d.failures, c.ID)
	d.failMu.Unlock()

	if _, err := d.table.AddContact(c); err != nil && !errors.Is(err, ErrSelfContact) {
		d.logger.Debug("Contact not added",
			zap.Stringer("id", c.ID),
			zap.Error(err))
	}
	d.metrics.SetContacts(d.table.Size())
}

// ContactFailed counts a failed exchange and drops the contact once it
// failed MaxFailures times in a row
func (d *DHT) ContactFailed(id kad.ID, endpoint kad.Endpoint, err *rpc.Error) {
	d.failMu.Lock()
	d.failures[id]++
	count := d.failures[id]
	if count >= d.config.MaxFailures {
		delete(d.failures, id)
	}
	d.failMu.Unlock()

	if count < d.config.MaxFailures {
		return
	}
	if d.table.Evict(id) {
		d.metrics.IncEvictions()
		d.logger.Info("Dropped unresponsive contact",
			zap.Stringer("id", id),
			zap.String("endpoint", endpoint.String()),
			zap.Int("failures", count),
			zap.String("kind", err.Kind.String()))
	}
	d.client.Book().Forget(endpoint.String())
	d.metrics.SetContacts(d.table.Size())
}

// DelayEviction probes toEvict in the background and settles the bucket's
// contest with the outcome
func (d *DHT) DelayEviction(toEvict, toReplace *kad.Contact) {
	parent := context.Background()
	if p := d.runCtx.Load(); p != nil {
		parent = *p
	}

	go func() {
		ctx, cancel := context.WithTimeout(parent, d.config.EvictionProbeTimeout)
		defer cancel()

		alive := true
		if ep, err := toEvict.Primary(); err != nil {
			alive = false
		} else if _, rerr := d.client.Ping(ctx, ep.Host, ep.Port); rerr != nil {
			// A probe cut short by shutdown says nothing about the incumbent
			alive = rerr.Kind == rpc.KindCancelled
		}

		err := d.table.ResolveEviction(toEvict, toReplace, alive)
		if !alive {
			d.metrics.IncEvictions()
		}
		if err != nil {
			d.logger.Debug("Eviction settled without incumbent",
				zap.Stringer("id", toEvict.ID),
				zap.Error(err))
		}
		d.metrics.SetContacts(d.table.Size())
	}()
}

// AddToPending parks c in its bucket's replacement cache
func (d *DHT) AddToPending(c *kad.Contact) {
	d.table.AddToPending(c)
}

// Stats is a point-in-time summary of the node
type Stats struct {
	State         State
	Contacts      int
	Values        int
	Pool          pool.Stats
	Blacklisted   int
	Bootstrapped  bool
	LastBootstrap time.Time
}

// Stats returns the node summary
func (d *DHT) Stats() Stats {
	return Stats{
		State:         d.State(),
		Contacts:      d.table.Size(),
		Values:        d.store.Len(),
		Pool:          d.pool.Stats(),
		Blacklisted:   d.guard.Blacklisted(),
		Bootstrapped:  d.seeds.IsBootstrapped(),
		LastBootstrap: d.seeds.GetLastBootstrapTime(),
	}
}

func (d *DHT) maintenanceLoop(ctx context.Context) {
	ticker := d.clock.Ticker(d.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.maintain(ctx)
		}
	}
}

// maintain runs one round of housekeeping
func (d *DHT) maintain(ctx context.Context) {
	if n := d.store.Sweep(); n > 0 {
		d.logger.Debug("Expired values removed", zap.Int("count", n))
	}

	for _, e := range d.store.DueForRepublish(d.config.RepublishInterval) {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.Store(ctx, e.Key, e.Value, false, e.ExpirationSeconds); err != nil {
			d.logger.Debug("Republish failed", zap.Stringer("key", e.Key), zap.Error(err))
			continue
		}
		d.store.Touch(e.Key)
	}

	// A node that lost every contact joins again through its seeds
	if d.table.Size() == 0 && len(d.seeds.GetSeedNodes()) > 0 {
		if err := d.seeds.Bootstrap(ctx); err != nil {
			d.logger.Debug("Rejoin failed", zap.Error(err))
		}
	}

	for _, c := range d.table.StaleContacts(d.config.StaleContactAge) {
		if ctx.Err() != nil {
			return
		}
		ep, err := c.Primary()
		if err != nil {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, d.config.EvictionProbeTimeout)
		d.client.Ping(pingCtx, ep.Host, ep.Port)
		cancel()
	}

	stats := d.pool.Stats()
	d.metrics.SetContacts(d.table.Size())
	d.metrics.SetValues(d.store.Len())
	d.metrics.SetBlacklisted(d.guard.Blacklisted())
	d.metrics.SetSockets(map[string]int{
		pool.Free.String():          stats.Free,
		pool.IsInPool.String():      stats.IsInPool,
		pool.TakenFromPool.String(): stats.TakenFromPool,
		pool.IsFailed.String():      stats.IsFailed,
	})
}
