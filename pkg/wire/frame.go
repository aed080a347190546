// Package wire implements the envelope exchanged by DHT peers. Every envelope
// is canonical CBOR, carries the sender's contact so the receiver can learn
// about it, and travels as a length-prefixed frame over a stream transport.
package wire

import (
	"fmt"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/fxamacker/cbor/v2"
)

// EndpointInfo is the wire form of kad.Endpoint
type EndpointInfo struct {
	Host string `cbor:"host"`
	Port uint16 `cbor:"port"`
}

// ContactInfo is the wire form of kad.Contact
type ContactInfo struct {
	ID        []byte         `cbor:"id"`      // 20-byte identifier
	Endpoints []EndpointInfo `cbor:"eps"`     // Reachable endpoints
	MachineID string         `cbor:"machine"` // Stable machine identifier
	Version   uint16         `cbor:"v"`       // Protocol version
}

// Envelope represents the common structure for all DHT messages
type Envelope struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind (e.g., 1=PING, 10=FIND_NODE)
	Seq  uint64          `cbor:"seq"`  // Request sequence number, echoed by the reply
	TS   uint64          `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	From ContactInfo     `cbor:"from"` // Sender contact
	Body cbor.RawMessage `cbor:"body"` // Kind-specific CBOR payload
}

// PingBody represents the body of a PING message
type PingBody struct {
	Token []byte `cbor:"token"` // 8-byte random token
}

// PongBody represents the body of a PONG message
type PongBody struct {
	Token []byte `cbor:"token"` // Echo of PING token
}

// FindNodeBody represents the body of a FIND_NODE message
type FindNodeBody struct {
	Key []byte `cbor:"key"` // 20-byte target
}

// FindNodeReplyBody carries the K closest contacts known to the responder
type FindNodeReplyBody struct {
	Contacts []ContactInfo `cbor:"contacts"`
}

// FindValueBody represents the body of a FIND_VALUE message
type FindValueBody struct {
	Key []byte `cbor:"key"` // 20-byte key
}

// FindValueReplyBody carries either the value (Found) or closer contacts
type FindValueReplyBody struct {
	Found    bool          `cbor:"found"`
	Value    []byte        `cbor:"value,omitempty"`
	Contacts []ContactInfo `cbor:"contacts,omitempty"`
}

// StoreBody represents the body of a STORE message
type StoreBody struct {
	Key        []byte `cbor:"key"`    // 20-byte key
	Value      []byte `cbor:"value"`  // Opaque value
	Cached     bool   `cbor:"cached"` // Stored on behalf of another publisher
	Expiration uint32 `cbor:"exp"`    // Expiration in seconds, 0 = never
}

// StoreReplyBody acknowledges a STORE
type StoreReplyBody struct {
	Stored bool `cbor:"stored"`
}

// AnnounceBody is broadcast on the LAN; the sender contact is in the envelope
type AnnounceBody struct {
	Port uint16 `cbor:"port"` // RPC port of the announcing node
}

// NewEnvelope creates an envelope with the current timestamp
func NewEnvelope(kind uint16, from *kad.Contact, seq uint64, body interface{}) (*Envelope, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	return &Envelope{
		V:    constants.ProtocolVersion,
		Kind: kind,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		From: ContactToInfo(from),
		Body: raw,
	}, nil
}

// DecodeBody decodes the envelope body into v
func (e *Envelope) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", KindName(e.Kind), err)
	}
	return nil
}

// Marshal encodes the envelope to canonical CBOR
func (e *Envelope) Marshal() ([]byte, error) {
	return cborcanon.Marshal(e)
}

// Unmarshal decodes CBOR data into the envelope
func (e *Envelope) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, e)
}

// Validate performs basic validation on the envelope
func (e *Envelope) Validate() error {
	if e.V != constants.ProtocolVersion {
		return ErrVersionMismatch(constants.ProtocolVersion, e.V)
	}

	if len(e.From.ID) != constants.IDLength {
		return NewError(constants.ErrorBadRequest, "missing or malformed sender id")
	}

	return nil
}

// Sender converts the envelope's sender info into a contact
func (e *Envelope) Sender() (*kad.Contact, error) {
	return InfoToContact(e.From)
}

// ReplyKind returns the reply kind expected for a request kind
func ReplyKind(kind uint16) (uint16, bool) {
	switch kind {
	case constants.KindPing:
		return constants.KindPong, true
	case constants.KindFindNode:
		return constants.KindFindNodeReply, true
	case constants.KindFindValue:
		return constants.KindFindValueReply, true
	case constants.KindStore:
		return constants.KindStoreReply, true
	default:
		return 0, false
	}
}

// KindName returns the human-readable name for a message kind
func KindName(kind uint16) string {
	switch kind {
	case constants.KindError:
		return "ERROR"
	case constants.KindPing:
		return "PING"
	case constants.KindPong:
		return "PONG"
	case constants.KindFindNode:
		return "FIND_NODE"
	case constants.KindFindNodeReply:
		return "FIND_NODE_REPLY"
	case constants.KindFindValue:
		return "FIND_VALUE"
	case constants.KindFindValueReply:
		return "FIND_VALUE_REPLY"
	case constants.KindStore:
		return "STORE"
	case constants.KindStoreReply:
		return "STORE_REPLY"
	case constants.KindAnnounce:
		return "ANNOUNCE"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}

// ContactToInfo converts a contact to its wire form
func ContactToInfo(c *kad.Contact) ContactInfo {
	if c == nil {
		return ContactInfo{}
	}
	endpoints := make([]EndpointInfo, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if !ep.IsValid() {
			continue
		}
		endpoints = append(endpoints, EndpointInfo{Host: ep.Host, Port: uint16(ep.Port)})
	}
	return ContactInfo{
		ID:        c.ID.Bytes(),
		Endpoints: endpoints,
		MachineID: c.MachineID,
		Version:   c.Version,
	}
}

// InfoToContact converts wire contact info into a contact seen now
func InfoToContact(info ContactInfo) (*kad.Contact, error) {
	id, err := kad.IDFromBytes(info.ID)
	if err != nil {
		return nil, err
	}
	endpoints := make([]kad.Endpoint, 0, len(info.Endpoints))
	for _, ep := range info.Endpoints {
		endpoints = append(endpoints, kad.Endpoint{Host: ep.Host, Port: int(ep.Port)})
	}
	c := kad.NewContact(id, info.MachineID, endpoints...)
	c.Version = info.Version
	return c, nil
}

// ContactsToInfo converts a contact list to its wire form
func ContactsToInfo(contacts []*kad.Contact) []ContactInfo {
	infos := make([]ContactInfo, 0, len(contacts))
	for _, c := range contacts {
		infos = append(infos, ContactToInfo(c))
	}
	return infos
}

// InfoToContacts converts a wire contact list, skipping malformed entries
func InfoToContacts(infos []ContactInfo) []*kad.Contact {
	contacts := make([]*kad.Contact, 0, len(infos))
	for _, info := range infos {
		c, err := InfoToContact(info)
		if err != nil || !c.IsValid() {
			continue
		}
		contacts = append(contacts, c)
	}
	return contacts
}
