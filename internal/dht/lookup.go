package dht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/rpc"
)

// lookupState tracks the candidates of one iterative search
type lookupState struct {
	mu        sync.Mutex
	target    kad.ID
	self      kad.ID
	shortlist []*kad.Contact
	contacted map[kad.ID]bool
	responded map[kad.ID]bool
	missed    map[kad.ID]bool // Answered FIND_VALUE without the value

	// Set by FIND_VALUE once some node returned the value
	found bool
	value []byte
}

func newLookupState(target, self kad.ID, initial []*kad.Contact) *lookupState {
	ls := &lookupState{
		target:    target,
		self:      self,
		contacted: make(map[kad.ID]bool),
		responded: make(map[kad.ID]bool),
		missed:    make(map[kad.ID]bool),
	}
	ls.append(initial)
	return ls
}

// append adds unseen contacts and keeps the shortlist ordered by distance
func (ls *lookupState) append(contacts []*kad.Contact) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, c := range contacts {
		if c == nil || c.ID == ls.self || !c.IsValid() {
			continue
		}
		exists := false
		for _, existing := range ls.shortlist {
			if existing.ID == c.ID {
				exists = true
				break
			}
		}
		if !exists {
			ls.shortlist = append(ls.shortlist, c)
		}
	}
	kad.SortByDistance(ls.shortlist, ls.target)
}

// next marks and returns up to n uncontacted contacts among the K closest
func (ls *lookupState) next(n int) []*kad.Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.found {
		return nil
	}

	var batch []*kad.Contact
	for i, c := range ls.shortlist {
		if i >= constants.DHTBucketSize || len(batch) == n {
			break
		}
		if !ls.contacted[c.ID] {
			ls.contacted[c.ID] = true
			batch = append(batch, c)
		}
	}
	return batch
}

func (ls *lookupState) markResponded(id kad.ID, hadValue bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.responded[id] = true
	if !hadValue {
		ls.missed[id] = true
	}
}

// drop removes a contact that failed to answer
func (ls *lookupState) drop(id kad.ID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, c := range ls.shortlist {
		if c.ID == id {
			ls.shortlist = append(ls.shortlist[:i], ls.shortlist[i+1:]...)
			return
		}
	}
}

func (ls *lookupState) setValue(value []byte) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.found {
		ls.found = true
		ls.value = value
	}
}

// closest returns up to K contacts that answered, closest first
func (ls *lookupState) closest() []*kad.Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := make([]*kad.Contact, 0, constants.DHTBucketSize)
	for _, c := range ls.shortlist {
		if ls.responded[c.ID] {
			out = append(out, c.Copy())
			if len(out) == constants.DHTBucketSize {
				break
			}
		}
	}
	return out
}

// closestMiss returns the closest contact that answered without the value
func (ls *lookupState) closestMiss() *kad.Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, c := range ls.shortlist {
		if ls.missed[c.ID] {
			return c.Copy()
		}
	}
	return nil
}

// queryFunc asks c about the target. It returns closer contacts, or the value
// when found.
type queryFunc func(ctx context.Context, ep kad.Endpoint) (closer []*kad.Contact, value []byte, found bool, rerr *rpc.Error)

// iterate runs rounds of up to Alpha parallel queries until every one of the
// K closest known contacts has been asked, or a value turns up
func (d *DHT) iterate(ctx context.Context, target kad.ID, query queryFunc) (*lookupState, error) {
	ls := newLookupState(target, d.config.ID, d.table.GetCloseContacts(target, ""))

	for {
		batch := ls.next(d.config.Alpha)
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				ep, err := c.Primary()
				if err != nil {
					ls.drop(c.ID)
					return nil
				}
				closer, value, found, rerr := query(gctx, ep)
				if rerr != nil {
					ls.drop(c.ID)
					return nil
				}
				ls.markResponded(c.ID, found)
				if found {
					ls.setValue(value)
					return nil
				}
				ls.append(closer)
				return nil
			})
		}
		g.Wait()

		if err := ctx.Err(); err != nil {
			return ls, err
		}
	}
	return ls, nil
}

// Lookup finds the K closest live nodes to target by iterative FIND_NODE
func (d *DHT) Lookup(ctx context.Context, target kad.ID) ([]*kad.Contact, error) {
	ls, err := d.iterate(ctx, target, func(ctx context.Context, ep kad.Endpoint) ([]*kad.Contact, []byte, bool, *rpc.Error) {
		contacts, rerr := d.client.FindNode(ctx, target, ep.Host, ep.Port)
		return contacts, nil, false, rerr
	})
	if err != nil {
		return nil, fmt.Errorf("lookup of %s interrupted: %w", target.Short(), err)
	}
	return ls.closest(), nil
}

// Store sends STORE to the K closest nodes to key and returns how many
// accepted it
func (d *DHT) Store(ctx context.Context, key kad.ID, value []byte, isCached bool, expirationSeconds int) (int, error) {
	contacts, err := d.Lookup(ctx, key)
	if err != nil {
		return 0, err
	}

	var stored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range contacts {
		c := c
		g.Go(func() error {
			ep, err := c.Primary()
			if err != nil {
				return nil
			}
			if rerr := d.client.Store(gctx, key, value, isCached, expirationSeconds, ep.Host, ep.Port); rerr != nil {
				d.logger.Debug("STORE failed",
					zap.Stringer("key", key),
					zap.String("endpoint", ep.String()),
					zap.Error(rerr))
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	g.Wait()

	return int(stored.Load()), ctx.Err()
}

// Put stores value locally as its authoritative holder and replicates it to
// the K closest nodes. It returns the number of remote replicas.
func (d *DHT) Put(ctx context.Context, key kad.ID, value []byte, expirationSeconds int) (int, error) {
	if len(value) > constants.MaxValueSize {
		return 0, ErrValueTooLarge
	}
	if err := d.checkRunning(); err != nil {
		return 0, err
	}

	d.store.Set(key, value, expirationSeconds)
	d.metrics.SetValues(d.store.Len())
	return d.Store(ctx, key, value, false, expirationSeconds)
}

// Get returns the value for key from the local store or, failing that, by
// iterative FIND_VALUE. A remotely found value is cached at the closest node
// that answered without it.
func (d *DHT) Get(ctx context.Context, key kad.ID) ([]byte, error) {
	if value, ok := d.store.TryGet(key); ok {
		return value, nil
	}
	if err := d.checkRunning(); err != nil {
		return nil, err
	}

	ls, err := d.iterate(ctx, key, func(ctx context.Context, ep kad.Endpoint) ([]*kad.Contact, []byte, bool, *rpc.Error) {
		result, rerr := d.client.FindValue(ctx, key, ep.Host, ep.Port)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		return result.Contacts, result.Value, result.Found, nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup of %s interrupted: %w", key.Short(), err)
	}
	if !ls.found {
		return nil, ErrKeyNotFound
	}

	if c := ls.closestMiss(); c != nil {
		if ep, err := c.Primary(); err == nil {
			if rerr := d.client.Store(ctx, key, ls.value, true, d.config.CacheExpirationSeconds, ep.Host, ep.Port); rerr != nil {
				d.logger.Debug("Failed to cache value",
					zap.Stringer("key", key),
					zap.String("endpoint", ep.String()),
					zap.Error(rerr))
			}
		}
	}
	return ls.value, nil
}
