// Package constants defines the cross-cutting defaults shared by the DHT engine,
// the RPC layer and the socket pool.
package constants

import "time"

// Identifier space
const (
	// IDLength is the byte length of a node or key identifier (160 bits)
	IDLength = 20

	// IDBits is the number of bits in an identifier and the number of buckets
	IDBits = IDLength * 8
)

// DHT Configuration
const (
	// DHTBucketSize K=20, alpha=3
	DHTBucketSize = 20
	DHTAlpha      = 3

	// DHTMaxFailures is the number of consecutive RPC failures after which a
	// contact is dropped from the routing table
	DHTMaxFailures = 3

	// MalfactorThreshold is the number of identity violations from a single
	// endpoint after which it is treated as a malfactor
	MalfactorThreshold = 3
)

// Timing Configuration
const (
	// RPCTimeout bounds every request/response exchange
	RPCTimeout = 5 * time.Second

	// ConnectTimeout bounds establishing a new pooled connection
	ConnectTimeout = 3 * time.Second

	// SocketWaitTimeout bounds waiting for a busy pooled socket to be returned
	SocketWaitTimeout = 10 * time.Second

	// SocketIdleTimeout closes pooled sockets nobody used for this long
	SocketIdleTimeout = 2 * time.Minute

	// EvictionProbeTimeout bounds the liveness probe of a bucket incumbent
	EvictionProbeTimeout = 2 * time.Second

	// RepublishInterval is how often the authoritative holder re-stores a key
	RepublishInterval = 1 * time.Hour

	// MaintenanceInterval drives store sweeps, republish and stale checks
	MaintenanceInterval = 30 * time.Second

	// StaleContactAge is the age after which a contact is re-pinged
	StaleContactAge = 15 * time.Minute

	// AnnounceInterval is the LAN broadcast period
	AnnounceInterval = 30 * time.Second

	// BlacklistDuration is how long a malfactor endpoint stays excluded
	BlacklistDuration = 24 * time.Hour
)

// Protocol Configuration
const (
	// ProtocolVersion of the wire envelope
	ProtocolVersion = 1

	// Default ports
	DefaultRPCPort      = 27490
	DefaultAnnouncePort = 27491

	// MaxFrameSize caps a single length-prefixed envelope
	MaxFrameSize = 1 << 20

	// MaxValueSize caps a stored value
	MaxValueSize = 64 * 1024
)

// Error Codes carried in ERROR frames
const (
	ErrorInternal        = 1
	ErrorNotRunning      = 2
	ErrorRateLimit       = 3
	ErrorBadRequest      = 4
	ErrorVersionMismatch = 5
	ErrorSelfRequest     = 6
	ErrorValueTooLarge   = 7
	ErrorBlacklisted     = 8
)

// Message Kinds
const (
	KindError          = 0
	KindPing           = 1
	KindPong           = 2
	KindFindNode       = 10
	KindFindNodeReply  = 11
	KindFindValue      = 12
	KindFindValueReply = 13
	KindStore          = 14
	KindStoreReply     = 15
	KindAnnounce       = 20
)
