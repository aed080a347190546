// Package kad defines the 160-bit identifier space, the XOR distance metric
// and the Contact record shared by the routing table and the RPC layer.
package kad

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// ErrInvalidIDLength is returned when an identifier is built from a byte
// sequence that is not exactly 20 bytes long
var ErrInvalidIDLength = errors.New("kad: identifier must be exactly 20 bytes")

// ID represents a 160-bit identifier in the DHT keyspace
type ID [constants.IDLength]byte

// NewRandomID returns a uniformly random identifier
func NewRandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("kad: failed to read random bytes: %v", err))
	}
	return id
}

// IDFromBytes copies b into an ID
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != constants.IDLength {
		return id, fmt.Errorf("%w: got %d", ErrInvalidIDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID decodes a 40 character hex string
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("failed to decode identifier: %w", err)
	}
	return IDFromBytes(b)
}

// DeriveID derives a stable identifier from a peer's declared machine
// identifier. The string is NFC-normalized first so equivalent spellings map
// to the same identifier.
func DeriveID(machineID string) ID {
	h := blake3.New(constants.IDLength, nil)
	h.Write([]byte(norm.NFC.String(machineID)))
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// KeyFor hashes arbitrary application data into the keyspace
func KeyFor(data []byte) ID {
	var id ID
	sum := blake3.Sum256(data)
	copy(id[:], sum[:constants.IDLength])
	return id
}

// Distance calculates the XOR distance between two identifiers
func Distance(a, b ID) ID {
	return a.Distance(b)
}

// Distance calculates the XOR distance to other
func (id ID) Distance(other ID) ID {
	var result ID
	for i := range id {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Cmp compares two identifiers as unsigned 160-bit integers
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// CompareCloser reports which of a and b is closer to target: -1 when a is
// closer, 1 when b is closer and 0 when both are at the same distance
func CompareCloser(a, b, target ID) int {
	return a.Distance(target).Cmp(b.Distance(target))
}

// CommonPrefixLen returns the number of leading bits shared with other
func (id ID) CommonPrefixLen(other ID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return constants.IDBits
}

// BucketIndex returns the position of the highest set bit of the distance to
// other, in [0, 159]. Equal identifiers have no bucket and yield -1.
func (id ID) BucketIndex(other ID) int {
	return constants.IDBits - 1 - id.CommonPrefixLen(other)
}

// IsZero returns true if the ID is all zeros
func (id ID) IsZero() bool {
	return id == ID{}
}

// Big returns the identifier as an unsigned big integer
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Bytes returns the ID as a byte slice
func (id ID) Bytes() []byte {
	b := make([]byte, constants.IDLength)
	copy(b, id[:])
	return b
}

// String returns the hex representation of the ID
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for logs
func (id ID) Short() string {
	return id.String()[:12]
}

// MarshalText implements encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
