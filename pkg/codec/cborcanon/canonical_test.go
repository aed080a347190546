package cborcanon

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestCanonicalEncoding(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string // hex-encoded canonical CBOR, empty when only determinism is checked
	}{
		{"empty_map", map[string]interface{}{}, "a0"},
		{"empty_array", []interface{}{}, "80"},
		{"array_keeps_order", []interface{}{3, 1, 2}, "83030102"},
		{"sorted_keys", map[string]interface{}{"b": 2, "a": 1}, "a2616101616202"},
		{"nested", map[string]interface{}{"z": 3, "a": map[string]interface{}{"y": 2, "x": 1}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Marshal(tt.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			if tt.expected != "" && hex.EncodeToString(encoded) != tt.expected {
				t.Errorf("Expected %s, got %x", tt.expected, encoded)
			}

			again, err := Marshal(tt.input)
			if err != nil {
				t.Fatalf("Second marshal failed: %v", err)
			}
			if !bytes.Equal(encoded, again) {
				t.Errorf("Encoding is not deterministic: %x != %x", encoded, again)
			}

			if !IsCanonical(encoded) {
				t.Errorf("Expected canonical output for %s", tt.name)
			}
		})
	}
}

func TestIsCanonicalRejectsUnsortedKeys(t *testing.T) {
	// {"b": 2, "a": 1} with keys in insertion order
	nonCanonical, _ := hex.DecodeString("a2616202616101")
	if IsCanonical(nonCanonical) {
		t.Error("Expected unsorted map to be reported as non-canonical")
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	dup, _ := hex.DecodeString("a2616101616102")
	var m map[string]int
	if err := Unmarshal(dup, &m); err == nil {
		t.Error("Expected duplicate map keys to be rejected")
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var v interface{}
	if err := Unmarshal([]byte{0xff, 0x00}, &v); err == nil {
		t.Error("Expected error for malformed CBOR")
	}
}
