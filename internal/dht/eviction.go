package dht

import (
	"context"
	"sync"

	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// ContactEvaluator decides contested bucket slots. The routing table calls it
// without holding any bucket lock.
type ContactEvaluator interface {
	// DelayEviction starts a liveness probe of toEvict and eventually calls
	// ResolveEviction with the outcome
	DelayEviction(toEvict, toReplace *kad.Contact)

	// AddToPending parks c in its bucket's replacement cache
	AddToPending(c *kad.Contact)
}

// AddOutcome describes what AddContact did
type AddOutcome int

const (
	// AddInserted means the contact was appended to a bucket with room
	AddInserted AddOutcome = iota
	// AddUpdated means a known contact was refreshed and moved to the tail
	AddUpdated
	// AddPending means the bucket was full and already contested, so the
	// contact went to the replacement cache
	AddPending
	// AddContested means the contact challenges the bucket's head and a
	// liveness probe was started
	AddContested
)

// String returns the string representation of the outcome
func (o AddOutcome) String() string {
	switch o {
	case AddInserted:
		return "Inserted"
	case AddUpdated:
		return "Updated"
	case AddPending:
		return "Pending"
	case AddContested:
		return "Contested"
	default:
		return "Unknown"
	}
}

// AddResult is returned by AddContact
type AddResult struct {
	Outcome AddOutcome

	// Eviction is set for AddContested and AddPending and lets the caller
	// wait for the bucket's contest to be decided
	Eviction *PendingEviction
}

// PendingEviction is an undecided contest between a bucket's head and a
// candidate. A bucket holds at most one.
type PendingEviction struct {
	Bucket    int
	ToEvict   *kad.Contact
	ToReplace *kad.Contact

	once    sync.Once
	done    chan struct{}
	evicted bool
}

func newPendingEviction(bucket int, toEvict, toReplace *kad.Contact) *PendingEviction {
	return &PendingEviction{
		Bucket:    bucket,
		ToEvict:   toEvict,
		ToReplace: toReplace,
		done:      make(chan struct{}),
	}
}

// Done is closed once the contest is decided
func (p *PendingEviction) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the contest is decided and reports whether the
// incumbent was evicted
func (p *PendingEviction) Wait(ctx context.Context) (bool, error) {
	select {
	case <-p.done:
		return p.evicted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *PendingEviction) resolve(evicted bool) {
	p.once.Do(func() {
		p.evicted = evicted
		close(p.done)
	})
}
