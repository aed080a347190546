package kad

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

// ErrInvalidContact is returned for contacts without a usable endpoint
var ErrInvalidContact = errors.New("kad: contact has no valid endpoint")

// Endpoint is a reachable network address of a peer
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseEndpoint parses "host:port"
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// String returns the endpoint in host:port form
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsValid reports whether the endpoint has a host and a port in range
func (e Endpoint) IsValid() bool {
	return e.Host != "" && e.Port > 0 && e.Port <= 65535
}

// Contact represents a remote peer: its identity, where to reach it and when
// it was last heard from
type Contact struct {
	ID        ID         // 160-bit node identifier
	Endpoints []Endpoint // Reachable endpoints, preferred first
	MachineID string     // Externally supplied stable machine identifier
	LastSeen  time.Time  // Last successful exchange
	Version   uint16     // Protocol version the peer speaks
}

// NewContact creates a contact for id reachable at the given endpoints
func NewContact(id ID, machineID string, endpoints ...Endpoint) *Contact {
	return &Contact{
		ID:        id,
		Endpoints: endpoints,
		MachineID: machineID,
		LastSeen:  time.Now(),
		Version:   constants.ProtocolVersion,
	}
}

// Primary returns the preferred endpoint
func (c *Contact) Primary() (Endpoint, error) {
	for _, e := range c.Endpoints {
		if e.IsValid() {
			return e, nil
		}
	}
	return Endpoint{}, ErrInvalidContact
}

// IsValid checks that the contact has an identifier and an endpoint
func (c *Contact) IsValid() bool {
	if c == nil || c.ID.IsZero() {
		return false
	}
	_, err := c.Primary()
	return err == nil
}

// Refresh records a successful exchange, adopting the newer endpoints
func (c *Contact) Refresh(from *Contact) {
	c.LastSeen = time.Now()
	if from == nil {
		return
	}
	if len(from.Endpoints) > 0 {
		c.Endpoints = append([]Endpoint(nil), from.Endpoints...)
	}
	if from.MachineID != "" {
		c.MachineID = from.MachineID
	}
	if from.Version != 0 {
		c.Version = from.Version
	}
}

// IsStale returns true if the contact hasn't been seen recently
func (c *Contact) IsStale(age time.Duration) bool {
	return time.Since(c.LastSeen) > age
}

// Copy creates a deep copy of the contact
func (c *Contact) Copy() *Contact {
	endpoints := make([]Endpoint, len(c.Endpoints))
	copy(endpoints, c.Endpoints)

	return &Contact{
		ID:        c.ID,
		Endpoints: endpoints,
		MachineID: c.MachineID,
		LastSeen:  c.LastSeen,
		Version:   c.Version,
	}
}

// String returns a string representation of the contact
func (c *Contact) String() string {
	return fmt.Sprintf("Contact{ID: %s..., Machine: %s, Endpoints: %v}",
		c.ID.Short(), c.MachineID, c.Endpoints)
}

// SortByDistance orders contacts by ascending distance to target in place
func SortByDistance(contacts []*Contact, target ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return CompareCloser(contacts[i].ID, contacts[j].ID, target) < 0
	})
}
