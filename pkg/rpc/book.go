package rpc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// DefaultBookSize bounds the number of endpoints remembered
const DefaultBookSize = 4096

type identityRecord struct {
	id         kad.ID
	violations int
}

// Verdict is the result of checking a responder against the book
type Verdict int

const (
	// VerdictConsistent means the endpoint answered with the id on file
	VerdictConsistent Verdict = iota
	// VerdictMismatch means the endpoint answered with a different id
	VerdictMismatch
	// VerdictMalfactor means the endpoint crossed the violation threshold
	VerdictMalfactor
)

// IdentityBook remembers which node id answered at each endpoint
type IdentityBook struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *identityRecord]
	threshold int
}

// NewIdentityBook creates a book holding up to size endpoints. An endpoint
// becomes a malfactor after threshold mismatching replies.
func NewIdentityBook(size, threshold int) (*IdentityBook, error) {
	if size <= 0 {
		size = DefaultBookSize
	}
	if threshold <= 0 {
		threshold = constants.MalfactorThreshold
	}

	cache, err := lru.New[string, *identityRecord](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}

	return &IdentityBook{cache: cache, threshold: threshold}, nil
}

// Check records id as the responder at endpoint. The first id seen for an
// endpoint is kept; later differing ids count as violations.
func (b *IdentityBook) Check(endpoint string, id kad.ID) (Verdict, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.cache.Get(endpoint)
	if !ok {
		b.cache.Add(endpoint, &identityRecord{id: id})
		return VerdictConsistent, 0
	}
	if rec.id == id {
		return VerdictConsistent, rec.violations
	}

	rec.violations++
	if rec.violations >= b.threshold {
		return VerdictMalfactor, rec.violations
	}
	return VerdictMismatch, rec.violations
}

// Lookup returns the id on file for endpoint
func (b *IdentityBook) Lookup(endpoint string) (kad.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.cache.Peek(endpoint)
	if !ok {
		return kad.ID{}, false
	}
	return rec.id, true
}

// Forget drops the record for endpoint, e.g. after its contact was evicted
func (b *IdentityBook) Forget(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(endpoint)
}

// Len returns the number of endpoints on file
func (b *IdentityBook) Len() int {
	return b.cache.Len()
}
