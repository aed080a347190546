package dht

import (
	"sync"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// Bucket is a k-bucket: at most K contacts ordered from least recently seen
// (head) to most recently seen (tail), a replacement cache of candidates and
// at most one pending eviction
type Bucket struct {
	mu    sync.Mutex
	index int

	contacts []*kad.Contact
	maxSize  int

	// Replacement cache for when bucket is full, freshest last
	replacements    []*kad.Contact
	maxReplacements int

	pending *PendingEviction
}

// NewBucket creates a new k-bucket for the given table index
func NewBucket(index int) *Bucket {
	return &Bucket{
		index:           index,
		contacts:        make([]*kad.Contact, 0, constants.DHTBucketSize),
		maxSize:         constants.DHTBucketSize,
		replacements:    make([]*kad.Contact, 0, constants.DHTBucketSize),
		maxReplacements: constants.DHTBucketSize,
	}
}

// add inserts or refreshes c. For a full bucket it registers a pending
// eviction of the head unless one is already in progress.
func (b *Bucket) add(c *kad.Contact) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(c.ID); i >= 0 {
		b.contacts[i].Refresh(c)
		b.moveToEnd(i)
		return AddResult{Outcome: AddUpdated}
	}

	if len(b.contacts) < b.maxSize {
		b.removeReplacement(c.ID)
		b.contacts = append(b.contacts, c.Copy())
		return AddResult{Outcome: AddInserted}
	}

	if b.pending != nil {
		return AddResult{Outcome: AddPending, Eviction: b.pending}
	}

	b.pending = newPendingEviction(b.index, b.contacts[0].Copy(), c.Copy())
	return AddResult{Outcome: AddContested, Eviction: b.pending}
}

// resolve settles a contest. It returns false if toEvict was no longer in
// the bucket.
func (b *Bucket) resolve(toEvict, toReplace *kad.Contact, alive bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending *PendingEviction
	if b.pending != nil && b.pending.ToEvict.ID == toEvict.ID {
		pending = b.pending
		b.pending = nil
	}

	found := true
	if alive {
		if i := b.indexOf(toEvict.ID); i >= 0 {
			b.contacts[i].Refresh(nil)
			b.moveToEnd(i)
		}
		if b.indexOf(toReplace.ID) < 0 {
			b.addToReplacements(toReplace.Copy())
		}
	} else {
		if i := b.indexOf(toEvict.ID); i >= 0 {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		} else {
			found = false
		}
		if b.indexOf(toReplace.ID) < 0 {
			if len(b.contacts) < b.maxSize {
				b.removeReplacement(toReplace.ID)
				b.contacts = append(b.contacts, toReplace.Copy())
			} else {
				// The slot was taken meanwhile
				b.addToReplacements(toReplace.Copy())
			}
		}
	}

	if pending != nil {
		pending.resolve(!alive)
	}
	return found
}

// remove drops the contact and promotes the freshest replacement
func (b *Bucket) remove(id kad.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		b.promoteFromReplacements()
		return true
	}
	return b.removeReplacement(id)
}

// addPending parks c in the replacement cache unless it is already a member
func (b *Bucket) addPending(c *kad.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexOf(c.ID) >= 0 {
		return
	}
	b.addToReplacements(c.Copy())
}

// get retrieves a contact by ID
func (b *Bucket) get(id kad.ID) *kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i].Copy()
	}
	return nil
}

// all returns copies of the bucket's contacts, head first
func (b *Bucket) all() []*kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*kad.Contact, len(b.contacts))
	for i, c := range b.contacts {
		result[i] = c.Copy()
	}
	return result
}

// Size returns the number of contacts in the bucket
func (b *Bucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// Replacements returns the number of cached candidates
func (b *Bucket) Replacements() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replacements)
}

// Pending returns the bucket's undecided eviction, if any
func (b *Bucket) Pending() *PendingEviction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// stale returns copies of contacts not seen for longer than age
func (b *Bucket) stale(age time.Duration) []*kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*kad.Contact
	for _, c := range b.contacts {
		if c.IsStale(age) {
			result = append(result, c.Copy())
		}
	}
	return result
}

func (b *Bucket) indexOf(id kad.ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// moveToEnd moves the contact at index i to the tail (most recently seen)
func (b *Bucket) moveToEnd(i int) {
	if i == len(b.contacts)-1 {
		return
	}

	c := b.contacts[i]
	copy(b.contacts[i:], b.contacts[i+1:])
	b.contacts[len(b.contacts)-1] = c
}

// addToReplacements adds a contact to the replacement cache
func (b *Bucket) addToReplacements(c *kad.Contact) {
	b.removeReplacement(c.ID)

	if len(b.replacements) >= b.maxReplacements {
		// Drop the stalest candidate
		copy(b.replacements, b.replacements[1:])
		b.replacements = b.replacements[:len(b.replacements)-1]
	}
	b.replacements = append(b.replacements, c)
}

func (b *Bucket) removeReplacement(id kad.ID) bool {
	for i, c := range b.replacements {
		if c.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

// promoteFromReplacements moves the freshest replacement into the bucket
func (b *Bucket) promoteFromReplacements() {
	if len(b.replacements) == 0 || len(b.contacts) >= b.maxSize {
		return
	}

	c := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.contacts = append(b.contacts, c)
}
