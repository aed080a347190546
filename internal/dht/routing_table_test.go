package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// idInBucket returns an id that lands in bucket index of self's table. n
// makes ids within one bucket distinct.
func idInBucket(self kad.ID, index int, n uint16) kad.ID {
	id := self
	bit := constants.IDBits - 1 - index
	id[bit/8] ^= 0x80 >> (bit % 8)
	id[constants.IDLength-2] ^= byte(n >> 8)
	id[constants.IDLength-1] ^= byte(n)
	return id
}

func testContact(id kad.ID, port int) *kad.Contact {
	return kad.NewContact(id, fmt.Sprintf("machine-%d", port), kad.Endpoint{Host: "127.0.0.1", Port: port})
}

type fakeEvaluator struct {
	mu      sync.Mutex
	delayed [][2]*kad.Contact
	pending []*kad.Contact
}

func (e *fakeEvaluator) DelayEviction(toEvict, toReplace *kad.Contact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delayed = append(e.delayed, [2]*kad.Contact{toEvict, toReplace})
}

func (e *fakeEvaluator) AddToPending(c *kad.Contact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, c)
}

const testBucket = 150

// fullTable returns a table whose testBucket holds K contacts, oldest first
func fullTable(t *testing.T, evaluator ContactEvaluator) (*RoutingTable, []*kad.Contact) {
	t.Helper()
	self := testContact(kad.NewRandomID(), 1000)
	rt := NewRoutingTable(self, evaluator, nil)

	var members []*kad.Contact
	for i := 0; i < constants.DHTBucketSize; i++ {
		c := testContact(idInBucket(self.ID, testBucket, uint16(i+1)), 2000+i)
		result, err := rt.AddContact(c)
		if err != nil {
			t.Fatalf("Failed to add contact %d: %v", i, err)
		}
		if result.Outcome != AddInserted {
			t.Fatalf("Expected contact %d to be inserted, got %s", i, result.Outcome)
		}
		members = append(members, c)
	}
	return rt, members
}

func TestRoutingTable_AddContactRejects(t *testing.T) {
	self := testContact(kad.NewRandomID(), 1000)
	rt := NewRoutingTable(self, nil, nil)

	if _, err := rt.AddContact(self); !errors.Is(err, ErrSelfContact) {
		t.Errorf("Expected ErrSelfContact, got %v", err)
	}
	if _, err := rt.AddContact(nil); !errors.Is(err, ErrSelfContact) {
		t.Errorf("Expected ErrSelfContact for nil contact, got %v", err)
	}

	noEndpoint := kad.NewContact(kad.NewRandomID(), "machine")
	if _, err := rt.AddContact(noEndpoint); !errors.Is(err, kad.ErrInvalidContact) {
		t.Errorf("Expected ErrInvalidContact, got %v", err)
	}
	if rt.Size() != 0 {
		t.Errorf("Expected empty table, got %d contacts", rt.Size())
	}
}

func TestRoutingTable_AddContactRefreshes(t *testing.T) {
	rt, members := fullTable(t, &fakeEvaluator{})

	updated := members[0].Copy()
	updated.Endpoints = []kad.Endpoint{{Host: "127.0.0.1", Port: 9999}}
	result, err := rt.AddContact(updated)
	if err != nil {
		t.Fatalf("Failed to refresh contact: %v", err)
	}
	if result.Outcome != AddUpdated {
		t.Errorf("Expected Updated, got %s", result.Outcome)
	}

	got := rt.Get(members[0].ID)
	if got == nil || got.Endpoints[0].Port != 9999 {
		t.Errorf("Expected refreshed endpoints, got %v", got)
	}

	// The refreshed contact moved to the tail, so the head is now members[1]
	all := rt.Bucket(testBucket).all()
	if all[0].ID != members[1].ID || all[len(all)-1].ID != members[0].ID {
		t.Error("Expected refreshed contact to move to the tail")
	}
}

func TestRoutingTable_BucketCapacityConcurrent(t *testing.T) {
	self := testContact(kad.NewRandomID(), 1000)
	rt := NewRoutingTable(self, nil, nil)

	const callers = 8
	const perCaller = 10

	var wg sync.WaitGroup
	for g := 0; g < callers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				n := uint16(g*perCaller + i + 1)
				c := testContact(idInBucket(self.ID, testBucket, n), 3000+int(n))
				if _, err := rt.AddContact(c); err != nil {
					t.Errorf("AddContact failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	bucket := rt.Bucket(testBucket)
	if bucket.Size() != constants.DHTBucketSize {
		t.Fatalf("Expected bucket to hold %d contacts, got %d", constants.DHTBucketSize, bucket.Size())
	}
	if rt.Size() != constants.DHTBucketSize {
		t.Errorf("Expected table size %d, got %d", constants.DHTBucketSize, rt.Size())
	}

	seen := make(map[kad.ID]bool)
	for _, c := range bucket.all() {
		if seen[c.ID] {
			t.Errorf("Duplicate contact %s in bucket", c.ID.Short())
		}
		seen[c.ID] = true
	}
	if bucket.Pending() != nil {
		t.Error("Expected no pending eviction without an evaluator")
	}
}

func TestRoutingTable_EvictionIncumbentDead(t *testing.T) {
	evaluator := &fakeEvaluator{}
	rt, members := fullTable(t, evaluator)
	self := rt.SelfID()

	candidate := testContact(idInBucket(self, testBucket, 500), 4000)
	result, err := rt.AddContact(candidate)
	if err != nil {
		t.Fatalf("Failed to add candidate: %v", err)
	}
	if result.Outcome != AddContested || result.Eviction == nil {
		t.Fatalf("Expected Contested with an eviction, got %s", result.Outcome)
	}
	if len(evaluator.delayed) != 1 || evaluator.delayed[0][0].ID != members[0].ID {
		t.Fatal("Expected the bucket head to be probed")
	}
	if rt.PendingEvictions() != 1 {
		t.Errorf("Expected one pending eviction, got %d", rt.PendingEvictions())
	}

	// A second challenger waits in the replacement cache
	second := testContact(idInBucket(self, testBucket, 501), 4001)
	result2, err := rt.AddContact(second)
	if err != nil {
		t.Fatalf("Failed to add second candidate: %v", err)
	}
	if result2.Outcome != AddPending || result2.Eviction != result.Eviction {
		t.Errorf("Expected Pending on the same eviction, got %s", result2.Outcome)
	}
	if len(evaluator.pending) != 1 {
		t.Errorf("Expected second candidate to go to pending, got %d", len(evaluator.pending))
	}

	if err := rt.ResolveEviction(members[0], candidate, false); err != nil {
		t.Fatalf("ResolveEviction failed: %v", err)
	}
	if rt.ContactExists(members[0]) {
		t.Error("Expected dead incumbent to be evicted")
	}
	if !rt.ContactExists(candidate) {
		t.Error("Expected candidate to take the slot")
	}
	if rt.Bucket(testBucket).Size() != constants.DHTBucketSize {
		t.Errorf("Expected full bucket, got %d", rt.Bucket(testBucket).Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evicted, err := result.Eviction.Wait(ctx)
	if err != nil || !evicted {
		t.Errorf("Expected eviction to report evicted, got %v, %v", evicted, err)
	}
	if rt.PendingEvictions() != 0 {
		t.Error("Expected pending eviction to be cleared")
	}
}

func TestRoutingTable_EvictionIncumbentAlive(t *testing.T) {
	rt, members := fullTable(t, &fakeEvaluator{})
	self := rt.SelfID()

	candidate := testContact(idInBucket(self, testBucket, 500), 4000)
	result, err := rt.AddContact(candidate)
	if err != nil {
		t.Fatalf("Failed to add candidate: %v", err)
	}

	if err := rt.ResolveEviction(members[0], candidate, true); err != nil {
		t.Fatalf("ResolveEviction failed: %v", err)
	}
	if !rt.ContactExists(members[0]) {
		t.Error("Expected live incumbent to stay")
	}
	if rt.ContactExists(candidate) {
		t.Error("Expected candidate to stay out of the bucket")
	}

	bucket := rt.Bucket(testBucket)
	if bucket.Replacements() != 1 {
		t.Errorf("Expected candidate in replacement cache, got %d", bucket.Replacements())
	}
	all := bucket.all()
	if all[len(all)-1].ID != members[0].ID {
		t.Error("Expected live incumbent to move to the tail")
	}

	select {
	case <-result.Eviction.Done():
	default:
		t.Fatal("Expected eviction to be decided")
	}
	evicted, _ := result.Eviction.Wait(context.Background())
	if evicted {
		t.Error("Expected eviction to report the incumbent kept")
	}

	// Removing a member promotes the cached candidate
	if !rt.RemoveContact(members[1].ID) {
		t.Fatal("Expected RemoveContact to succeed")
	}
	if !rt.ContactExists(candidate) {
		t.Error("Expected replacement to be promoted")
	}
}

func TestRoutingTable_ResolveContactNotInBucket(t *testing.T) {
	rt, members := fullTable(t, &fakeEvaluator{})
	self := rt.SelfID()

	candidate := testContact(idInBucket(self, testBucket, 500), 4000)
	if _, err := rt.AddContact(candidate); err != nil {
		t.Fatalf("Failed to add candidate: %v", err)
	}

	// The incumbent leaves before the probe finishes
	if !rt.Evict(members[0].ID) {
		t.Fatal("Expected Evict to succeed")
	}

	err := rt.ResolveEviction(members[0], candidate, false)
	if !errors.Is(err, ErrContactNotInBucket) {
		t.Errorf("Expected ErrContactNotInBucket, got %v", err)
	}
	if !rt.ContactExists(candidate) {
		t.Error("Expected candidate to fill the free slot")
	}
}

func TestRoutingTable_GetCloseContacts(t *testing.T) {
	self := testContact(kad.NewRandomID(), 1000)
	rt := NewRoutingTable(self, nil, nil)

	var all []*kad.Contact
	port := 5000
	for index := 150; index <= 155; index++ {
		for n := 1; n <= 5; n++ {
			c := testContact(idInBucket(self.ID, index, uint16(n)), port)
			port++
			if index == 151 && n == 1 {
				c.MachineID = "excluded"
			}
			if _, err := rt.AddContact(c); err != nil {
				t.Fatalf("Failed to add contact: %v", err)
			}
			all = append(all, c)
		}
	}

	target := idInBucket(self.ID, 152, 999)

	got := rt.GetCloseContacts(target, "")
	if len(got) != constants.DHTBucketSize {
		t.Fatalf("Expected %d contacts, got %d", constants.DHTBucketSize, len(got))
	}

	want := make([]*kad.Contact, len(all))
	copy(want, all)
	kad.SortByDistance(want, target)
	for i := range got {
		if got[i].ID != want[i].ID {
			t.Fatalf("Position %d: expected %s, got %s", i, want[i].ID.Short(), got[i].ID.Short())
		}
		if i > 0 && kad.CompareCloser(got[i-1].ID, got[i].ID, target) > 0 {
			t.Errorf("Contacts not sorted by distance at %d", i)
		}
	}

	for _, c := range rt.GetCloseContacts(target, "excluded") {
		if c.MachineID == "excluded" {
			t.Error("Expected excluded machine to be skipped")
		}
	}
}

func TestRoutingTable_GetCloseContactsScansAllLowerBuckets(t *testing.T) {
	self := testContact(kad.NewRandomID(), 1000)
	rt := NewRoutingTable(self, nil, nil)

	const start = 152
	var all []*kad.Contact
	port := 6000
	add := func(index, count int) {
		for n := 1; n <= count; n++ {
			c := testContact(idInBucket(self.ID, index, uint16(n)), port)
			port++
			if _, err := rt.AddContact(c); err != nil {
				t.Fatalf("Failed to add contact: %v", err)
			}
			all = append(all, c)
		}
	}

	// Bucket 151 alone fills K with the target bucket, but bucket 149
	// shares more bits with target than 151 does
	add(start, 5)
	add(151, 15)
	add(150, 10)
	add(149, 10)
	add(153, 5)

	target := idInBucket(self.ID, start, 999)
	got := rt.GetCloseContacts(target, "")

	want := make([]*kad.Contact, len(all))
	copy(want, all)
	kad.SortByDistance(want, target)
	want = want[:constants.DHTBucketSize]

	if len(got) != len(want) {
		t.Fatalf("Expected %d contacts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Fatalf("Position %d: expected %s, got %s", i, want[i].ID.Short(), got[i].ID.Short())
		}
	}
}

func TestRoutingTable_DeadIncumbentSlotTaken(t *testing.T) {
	rt, members := fullTable(t, &fakeEvaluator{})
	self := rt.SelfID()

	candidate := testContact(idInBucket(self, testBucket, 500), 4000)
	if _, err := rt.AddContact(candidate); err != nil {
		t.Fatalf("Failed to add candidate: %v", err)
	}

	// The incumbent leaves and a newcomer takes its slot before the
	// contest is settled
	if !rt.Evict(members[0].ID) {
		t.Fatal("Expected Evict to succeed")
	}
	newcomer := testContact(idInBucket(self, testBucket, 600), 4100)
	if result, err := rt.AddContact(newcomer); err != nil || result.Outcome != AddInserted {
		t.Fatalf("Expected newcomer to be inserted, got %v, %v", result.Outcome, err)
	}

	err := rt.ResolveEviction(members[0], candidate, false)
	if !errors.Is(err, ErrContactNotInBucket) {
		t.Errorf("Expected ErrContactNotInBucket, got %v", err)
	}

	bucket := rt.Bucket(testBucket)
	if bucket.Size() != constants.DHTBucketSize || rt.ContactExists(candidate) {
		t.Fatal("Expected the full bucket to keep its members")
	}
	if bucket.Replacements() != 1 {
		t.Fatalf("Expected candidate to wait in the replacement cache, got %d", bucket.Replacements())
	}

	if !rt.RemoveContact(members[1].ID) {
		t.Fatal("Expected RemoveContact to succeed")
	}
	if !rt.ContactExists(candidate) {
		t.Error("Expected cached candidate to be promoted")
	}
}

func TestRoutingTable_StaleAndSizes(t *testing.T) {
	rt, members := fullTable(t, nil)

	if sizes := rt.BucketSizes(); sizes[testBucket] != constants.DHTBucketSize || len(sizes) != 1 {
		t.Errorf("Unexpected bucket sizes: %v", sizes)
	}

	bucket := rt.Bucket(testBucket)
	bucket.mu.Lock()
	bucket.contacts[0].LastSeen = time.Now().Add(-time.Hour)
	bucket.mu.Unlock()

	stale := rt.StaleContacts(30 * time.Minute)
	if len(stale) != 1 || stale[0].ID != members[0].ID {
		t.Errorf("Expected only the head to be stale, got %v", stale)
	}
	if len(rt.AllContacts()) != constants.DHTBucketSize {
		t.Errorf("Expected %d contacts, got %d", constants.DHTBucketSize, len(rt.AllContacts()))
	}
}

func TestAddOutcome_String(t *testing.T) {
	tests := []struct {
		outcome  AddOutcome
		expected string
	}{
		{AddInserted, "Inserted"},
		{AddUpdated, "Updated"},
		{AddPending, "Pending"},
		{AddContested, "Contested"},
		{AddOutcome(42), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
