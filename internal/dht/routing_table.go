package dht

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

var (
	// ErrSelfContact is returned when the local node tries to add itself
	ErrSelfContact = errors.New("dht: cannot add own contact")

	// ErrContactNotInBucket is returned when an eviction's incumbent already
	// left its bucket. The candidate is still inserted if there is room.
	ErrContactNotInBucket = errors.New("dht: contact not in bucket")
)

// RoutingTable is a fixed list of one bucket per bit of distance from the
// local id. Buckets never split and each has its own lock.
type RoutingTable struct {
	selfID    kad.ID
	evaluator ContactEvaluator
	logger    *zap.Logger
	buckets   [constants.IDBits]*Bucket
}

// NewRoutingTable creates a routing table around self. A nil evaluator
// resolves every contest in favour of the incumbent.
func NewRoutingTable(self *kad.Contact, evaluator ContactEvaluator, logger *zap.Logger) *RoutingTable {
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &RoutingTable{
		selfID:    self.ID,
		evaluator: evaluator,
		logger:    logger,
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(i)
	}
	return rt
}

// SelfID returns the local node id
func (rt *RoutingTable) SelfID() kad.ID {
	return rt.selfID
}

// AddContact inserts or refreshes c
func (rt *RoutingTable) AddContact(c *kad.Contact) (AddResult, error) {
	if c == nil || c.ID == rt.selfID {
		return AddResult{}, ErrSelfContact
	}
	if !c.IsValid() {
		return AddResult{}, kad.ErrInvalidContact
	}

	index := rt.selfID.BucketIndex(c.ID)
	result := rt.buckets[index].add(c)

	switch result.Outcome {
	case AddPending:
		if rt.evaluator != nil {
			rt.evaluator.AddToPending(c)
		} else {
			rt.buckets[index].addPending(c)
		}
	case AddContested:
		pe := result.Eviction
		rt.logger.Debug("Bucket contested",
			zap.Int("bucket", index),
			zap.Stringer("head", pe.ToEvict.ID),
			zap.Stringer("candidate", pe.ToReplace.ID))
		if rt.evaluator != nil {
			rt.evaluator.DelayEviction(pe.ToEvict, pe.ToReplace)
		} else {
			rt.ResolveEviction(pe.ToEvict, pe.ToReplace, true)
		}
	}
	return result, nil
}

// ResolveEviction settles the contest between toEvict and toReplace. When
// alive the incumbent is refreshed and the candidate cached; otherwise the
// incumbent is removed and the candidate takes its place.
func (rt *RoutingTable) ResolveEviction(toEvict, toReplace *kad.Contact, alive bool) error {
	index := rt.selfID.BucketIndex(toEvict.ID)
	if index < 0 {
		return ErrSelfContact
	}

	found := rt.buckets[index].resolve(toEvict, toReplace, alive)
	if !alive {
		rt.logger.Debug("Evicted contact",
			zap.Int("bucket", index),
			zap.Stringer("id", toEvict.ID),
			zap.Stringer("replacement", toReplace.ID))
	}
	if !found {
		return ErrContactNotInBucket
	}
	return nil
}

// AddToPending parks c in its bucket's replacement cache
func (rt *RoutingTable) AddToPending(c *kad.Contact) {
	index := rt.selfID.BucketIndex(c.ID)
	if index < 0 {
		return
	}
	rt.buckets[index].addPending(c)
}

// RemoveContact removes the contact and promotes the freshest replacement
func (rt *RoutingTable) RemoveContact(id kad.ID) bool {
	index := rt.selfID.BucketIndex(id)
	if index < 0 {
		return false
	}
	return rt.buckets[index].remove(id)
}

// Evict removes an unresponsive contact
func (rt *RoutingTable) Evict(id kad.ID) bool {
	removed := rt.RemoveContact(id)
	if removed {
		rt.logger.Debug("Evicted contact", zap.Stringer("id", id))
	}
	return removed
}

// Get retrieves a contact by ID
func (rt *RoutingTable) Get(id kad.ID) *kad.Contact {
	index := rt.selfID.BucketIndex(id)
	if index < 0 {
		return nil
	}
	return rt.buckets[index].get(id)
}

// ContactExists reports whether c is in the table
func (rt *RoutingTable) ContactExists(c *kad.Contact) bool {
	return c != nil && rt.Get(c.ID) != nil
}

// GetCloseContacts returns up to K contacts closest to target, ascending by
// distance, skipping contacts whose machine id is excludeMachineID. The
// target's bucket holds the closest contacts. Every lower bucket is at the
// same distance range from target, so they are all collected together. Each
// higher bucket is strictly farther than the one before it.
func (rt *RoutingTable) GetCloseContacts(target kad.ID, excludeMachineID string) []*kad.Contact {
	start := rt.selfID.BucketIndex(target)
	if start < 0 {
		start = 0
	}

	var candidates []*kad.Contact
	collect := func(i int) {
		for _, c := range rt.buckets[i].all() {
			if excludeMachineID != "" && c.MachineID == excludeMachineID {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	collect(start)
	if len(candidates) < constants.DHTBucketSize {
		for i := start - 1; i >= 0; i-- {
			collect(i)
		}
	}
	for i := start + 1; i < len(rt.buckets) && len(candidates) < constants.DHTBucketSize; i++ {
		collect(i)
	}

	kad.SortByDistance(candidates, target)
	if len(candidates) > constants.DHTBucketSize {
		candidates = candidates[:constants.DHTBucketSize]
	}
	return candidates
}

// AllContacts returns all contacts in the routing table
func (rt *RoutingTable) AllContacts() []*kad.Contact {
	var contacts []*kad.Contact
	for _, bucket := range rt.buckets {
		contacts = append(contacts, bucket.all()...)
	}
	return contacts
}

// StaleContacts returns contacts not seen for longer than age
func (rt *RoutingTable) StaleContacts(age time.Duration) []*kad.Contact {
	var contacts []*kad.Contact
	for _, bucket := range rt.buckets {
		contacts = append(contacts, bucket.stale(age)...)
	}
	return contacts
}

// Size returns the total number of contacts in the routing table
func (rt *RoutingTable) Size() int {
	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.Size()
	}
	return total
}

// BucketSizes returns the sizes of non-empty buckets by index
func (rt *RoutingTable) BucketSizes() map[int]int {
	info := make(map[int]int)
	for i, bucket := range rt.buckets {
		if size := bucket.Size(); size > 0 {
			info[i] = size
		}
	}
	return info
}

// Bucket returns the bucket at index
func (rt *RoutingTable) Bucket(index int) *Bucket {
	return rt.buckets[index]
}

// PendingEvictions returns the number of undecided contests
func (rt *RoutingTable) PendingEvictions() int {
	n := 0
	for _, bucket := range rt.buckets {
		if bucket.Pending() != nil {
			n++
		}
	}
	return n
}
