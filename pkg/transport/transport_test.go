package transport

import (
	"context"
	"errors"
	"net"
	"testing"
)

type mockTransport struct {
	name string
}

func (m *mockTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	return nil, errors.New("not implemented")
}

func (m *mockTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

func (m *mockTransport) Name() string {
	return m.name
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	var seen *Config
	registry.Register("mock", func(cfg *Config) (StreamTransport, error) {
		seen = cfg
		return &mockTransport{name: "mock"}, nil
	})
	registry.Register("alpha", func(cfg *Config) (StreamTransport, error) {
		return &mockTransport{name: "alpha"}, nil
	})

	tr, err := registry.New("mock", nil)
	if err != nil {
		t.Fatalf("Failed to build transport: %v", err)
	}
	if tr.Name() != "mock" {
		t.Errorf("Expected name 'mock', got '%s'", tr.Name())
	}
	if seen == nil || seen.ConnectTimeout != DefaultConfig().ConnectTimeout {
		t.Error("Expected default config to be passed to factory")
	}

	if _, err := registry.New("missing", nil); err == nil {
		t.Error("Expected error for unknown transport")
	}

	names := registry.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "mock" {
		t.Errorf("Expected sorted names [alpha mock], got %v", names)
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig("custom/1")
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Expected one certificate, got %d", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "custom/1" {
		t.Errorf("Unexpected ALPN: %v", cfg.NextProtos)
	}
}
