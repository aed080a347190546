package kad

import (
	"errors"
	"sync"
	"testing"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

func TestIDFromBytesLength(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"empty", 0, true},
		{"short", 19, true},
		{"exact", 20, false},
		{"long", 21, true},
		{"sha256_sized", 32, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IDFromBytes(make([]byte, tt.length))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIDLength) {
					t.Errorf("Expected ErrInvalidIDLength, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDistanceMetric(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := NewRandomID(), NewRandomID()

		if !Distance(a, a).IsZero() {
			t.Fatalf("Distance(a,a) must be zero for %s", a)
		}
		if Distance(a, b) != Distance(b, a) {
			t.Fatalf("Distance must be symmetric for %s, %s", a, b)
		}
		if a != b && Distance(a, b).IsZero() {
			t.Fatalf("Distance between distinct ids must be positive")
		}

		// XOR metric satisfies the triangle inequality
		c := NewRandomID()
		ab, bc, ac := Distance(a, b).Big(), Distance(b, c).Big(), Distance(a, c).Big()
		if ac.Cmp(ab.Add(ab, bc)) > 0 {
			t.Fatalf("Triangle inequality violated")
		}
	}
}

func TestCompareCloser(t *testing.T) {
	var target, near, far ID
	near[constants.IDLength-1] = 0x01
	far[0] = 0x80

	if got := CompareCloser(near, far, target); got != -1 {
		t.Errorf("Expected near to be closer, got %d", got)
	}
	if got := CompareCloser(far, near, target); got != 1 {
		t.Errorf("Expected far to be farther, got %d", got)
	}
	if got := CompareCloser(near, near, target); got != 0 {
		t.Errorf("Expected equal distances, got %d", got)
	}
}

func TestBucketIndex(t *testing.T) {
	var self ID

	top := self
	top[0] = 0x80
	if idx := self.BucketIndex(top); idx != 159 {
		t.Errorf("Expected bucket 159 for a differing top bit, got %d", idx)
	}

	low := self
	low[constants.IDLength-1] = 0x01
	if idx := self.BucketIndex(low); idx != 0 {
		t.Errorf("Expected bucket 0 for the lowest bit, got %d", idx)
	}

	mid := self
	mid[10] = 0x10
	if idx := self.BucketIndex(mid); idx != 159-(10*8+3) {
		t.Errorf("Unexpected bucket index %d", idx)
	}

	if idx := self.BucketIndex(self); idx != -1 {
		t.Errorf("Expected -1 for identical ids, got %d", idx)
	}
}

func TestNewRandomIDConcurrentUniqueness(t *testing.T) {
	const workers = 8
	const perWorker = 64

	var mu sync.Mutex
	seen := make(map[ID]struct{}, workers*perWorker)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := NewRandomID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestDeriveIDStable(t *testing.T) {
	// "é" precomposed vs. e + combining acute
	a := DeriveID("host-\u00e9")
	b := DeriveID("host-e\u0301")
	if a != b {
		t.Errorf("Expected NFC-equivalent machine ids to derive the same ID")
	}
	if DeriveID("host-a") == DeriveID("host-b") {
		t.Errorf("Expected distinct machine ids to derive distinct IDs")
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id := NewRandomID()
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("Failed to parse id: %v", err)
	}
	if parsed != id {
		t.Errorf("Round trip mismatch: %s != %s", parsed, id)
	}
	if _, err := ParseID("abcd"); !errors.Is(err, ErrInvalidIDLength) {
		t.Errorf("Expected length error for short hex, got %v", err)
	}
}

func TestSortByDistance(t *testing.T) {
	target := NewRandomID()
	contacts := make([]*Contact, 50)
	for i := range contacts {
		contacts[i] = NewContact(NewRandomID(), "m", Endpoint{Host: "127.0.0.1", Port: 1000 + i})
	}

	SortByDistance(contacts, target)

	for i := 1; i < len(contacts); i++ {
		if CompareCloser(contacts[i-1].ID, contacts[i].ID, target) > 0 {
			t.Fatalf("Contacts not sorted at index %d", i)
		}
	}
}
