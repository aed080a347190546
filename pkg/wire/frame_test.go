package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

func testContact() *kad.Contact {
	return kad.NewContact(kad.NewRandomID(), "machine-a",
		kad.Endpoint{Host: "192.168.1.10", Port: constants.DefaultRPCPort})
}

func TestEnvelope_FrameRoundTrip(t *testing.T) {
	sender := testContact()
	key := kad.NewRandomID()

	original, err := NewEnvelope(constants.KindStore, sender, 42, &StoreBody{
		Key:        key.Bytes(),
		Value:      []byte("metadata"),
		Cached:     true,
		Expiration: 60,
	})
	if err != nil {
		t.Fatalf("Failed to create envelope: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}

	if decoded.Kind != constants.KindStore || decoded.Seq != 42 {
		t.Errorf("Header mismatch: kind=%d seq=%d", decoded.Kind, decoded.Seq)
	}
	if err := decoded.Validate(); err != nil {
		t.Errorf("Decoded envelope failed validation: %v", err)
	}

	from, err := decoded.Sender()
	if err != nil {
		t.Fatalf("Failed to decode sender: %v", err)
	}
	if from.ID != sender.ID || from.MachineID != sender.MachineID {
		t.Errorf("Sender mismatch: %v != %v", from, sender)
	}
	if len(from.Endpoints) != 1 || from.Endpoints[0] != sender.Endpoints[0] {
		t.Errorf("Endpoint mismatch: %v", from.Endpoints)
	}

	var body StoreBody
	if err := decoded.DecodeBody(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if !bytes.Equal(body.Key, key.Bytes()) || string(body.Value) != "metadata" || !body.Cached || body.Expiration != 60 {
		t.Errorf("Body mismatch: %+v", body)
	}
}

func TestEnvelope_Deterministic(t *testing.T) {
	env, err := NewEnvelope(constants.KindPing, testContact(), 7, &PingBody{Token: []byte("12345678")})
	if err != nil {
		t.Fatalf("Failed to create envelope: %v", err)
	}

	first, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Envelope encoding is not deterministic")
	}
}

func TestEnvelope_Validate(t *testing.T) {
	env, err := NewEnvelope(constants.KindPing, testContact(), 1, &PingBody{})
	if err != nil {
		t.Fatalf("Failed to create envelope: %v", err)
	}

	env.V = 99
	var werr *Error
	if err := env.Validate(); !errors.As(err, &werr) || werr.Code != constants.ErrorVersionMismatch {
		t.Errorf("Expected version mismatch, got %v", err)
	}

	env.V = constants.ProtocolVersion
	env.From.ID = []byte{1, 2, 3}
	if err := env.Validate(); !errors.As(err, &werr) || werr.Code != constants.ErrorBadRequest {
		t.Errorf("Expected bad request for short sender id, got %v", err)
	}
}

func TestReadFrame_RejectsOversize(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	env, _ := NewEnvelope(constants.KindPing, testContact(), 1, &PingBody{Token: []byte("abc")})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Error("Expected error for truncated frame")
	}
}

func TestErrorEnvelope(t *testing.T) {
	env, err := ErrorEnvelope(testContact(), 9, ErrRateLimit(5))
	if err != nil {
		t.Fatalf("Failed to create error envelope: %v", err)
	}
	if !IsErrorEnvelope(env) {
		t.Fatal("Expected error envelope")
	}

	extracted, err := ExtractError(env)
	if err != nil {
		t.Fatalf("Failed to extract error: %v", err)
	}
	if extracted.Code != constants.ErrorRateLimit || !extracted.IsRetryable() {
		t.Errorf("Unexpected extracted error: %+v", extracted)
	}
	if extracted.RetryAfter == nil || *extracted.RetryAfter != 5 {
		t.Errorf("Expected retry-after 5, got %v", extracted.RetryAfter)
	}
}

func TestReplyKind(t *testing.T) {
	tests := []struct {
		request uint16
		reply   uint16
	}{
		{constants.KindPing, constants.KindPong},
		{constants.KindFindNode, constants.KindFindNodeReply},
		{constants.KindFindValue, constants.KindFindValueReply},
		{constants.KindStore, constants.KindStoreReply},
	}

	for _, tt := range tests {
		t.Run(KindName(tt.request), func(t *testing.T) {
			got, ok := ReplyKind(tt.request)
			if !ok || got != tt.reply {
				t.Errorf("Expected reply %s, got %s", KindName(tt.reply), KindName(got))
			}
		})
	}

	if _, ok := ReplyKind(constants.KindPong); ok {
		t.Error("PONG must not have a reply kind")
	}
}

func TestInfoToContactsSkipsMalformed(t *testing.T) {
	good := ContactToInfo(testContact())
	bad := ContactInfo{ID: []byte{1}}
	noEndpoint := ContactInfo{ID: kad.NewRandomID().Bytes()}

	contacts := InfoToContacts([]ContactInfo{good, bad, noEndpoint})
	if len(contacts) != 1 {
		t.Fatalf("Expected 1 valid contact, got %d", len(contacts))
	}
}
