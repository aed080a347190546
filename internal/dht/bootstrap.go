package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// ErrNoSeeds is returned by Bootstrap when no seed node is configured
var ErrNoSeeds = errors.New("dht: no seed nodes configured")

// seedPingRetries bounds retries of one seed before giving up on it
const seedPingRetries = 4

// SeedNode is a bootstrap seed
type SeedNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name,omitempty"` // Human-readable name (optional)

	// fromConfig seeds are used but never written to the seed file
	fromConfig bool
}

// Endpoint returns the seed's endpoint
func (s *SeedNode) Endpoint() kad.Endpoint {
	return kad.Endpoint{Host: s.Host, Port: s.Port}
}

// DefaultSeedFile returns ~/.combsync/seeds.json
func DefaultSeedFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "combsync-seeds.json"
	}
	return filepath.Join(homeDir, ".combsync", "seeds.json")
}

// Bootstrap manages seed nodes and joins the network through them
type Bootstrap struct {
	mu        sync.RWMutex
	dht       *DHT
	seedNodes []*SeedNode
	seedFile  string

	bootstrapped  bool
	lastBootstrap time.Time
}

// BootstrapConfig holds bootstrap configuration
type BootstrapConfig struct {
	DHT      *DHT           // Node to join with; nil manages the seed file only
	Seeds    []kad.Endpoint // Seeds used in addition to the seed file
	SeedFile string         // Path to seed nodes file, empty for none
}

// NewBootstrap creates a bootstrap manager, loading the seed file if it exists
func NewBootstrap(config *BootstrapConfig) (*Bootstrap, error) {
	b := &Bootstrap{
		dht:      config.DHT,
		seedFile: config.SeedFile,
	}

	if b.seedFile != "" {
		if err := b.loadSeedNodes(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load seed nodes: %w", err)
		}
	}

	for _, ep := range config.Seeds {
		if b.indexOf(ep) < 0 {
			b.seedNodes = append(b.seedNodes, &SeedNode{Host: ep.Host, Port: ep.Port, fromConfig: true})
		}
	}
	return b, nil
}

// AddSeedNode adds or updates a seed and persists the seed file
func (b *Bootstrap) AddSeedNode(seed *SeedNode) error {
	if seed == nil {
		return fmt.Errorf("seed node is required")
	}
	if !seed.Endpoint().IsValid() {
		return fmt.Errorf("seed node %q has no valid endpoint", seed.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.addSeedLocked(seed)
	return b.saveSeedNodes()
}

func (b *Bootstrap) addSeedLocked(seed *SeedNode) {
	s := *seed
	s.fromConfig = false
	if i := b.indexOf(s.Endpoint()); i >= 0 {
		b.seedNodes[i] = &s
		return
	}
	b.seedNodes = append(b.seedNodes, &s)
}

func (b *Bootstrap) indexOf(endpoint kad.Endpoint) int {
	for i, seed := range b.seedNodes {
		if seed.Endpoint() == endpoint {
			return i
		}
	}
	return -1
}

// RemoveSeedNode removes the seed at endpoint
func (b *Bootstrap) RemoveSeedNode(endpoint kad.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(endpoint)
	if i < 0 {
		return fmt.Errorf("seed node not found: %s", endpoint)
	}
	b.seedNodes = append(b.seedNodes[:i], b.seedNodes[i+1:]...)
	return b.saveSeedNodes()
}

// GetSeedNodes returns a copy of all seed nodes
func (b *Bootstrap) GetSeedNodes() []*SeedNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seeds := make([]*SeedNode, len(b.seedNodes))
	for i, seed := range b.seedNodes {
		s := *seed
		seeds[i] = &s
	}
	return seeds
}

// Bootstrap pings every seed, retrying with exponential backoff, and then
// looks up the local id to fill the routing table
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	if b.dht == nil {
		return fmt.Errorf("bootstrap has no DHT to join with")
	}
	seeds := b.GetSeedNodes()
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	logger := b.dht.logger
	logger.Info("Starting bootstrap", zap.Int("seeds", len(seeds)))

	connected := 0
	for _, seed := range seeds {
		if err := b.connectToSeed(ctx, seed); err != nil {
			logger.Warn("Failed to reach seed",
				zap.String("name", seed.Name),
				zap.String("endpoint", seed.Endpoint().String()),
				zap.Error(err))
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("failed to connect to any of %d seed nodes", len(seeds))
	}

	if _, err := b.dht.Lookup(ctx, b.dht.ID()); err != nil {
		logger.Warn("Self lookup failed", zap.Error(err))
	}

	b.mu.Lock()
	b.bootstrapped = true
	b.lastBootstrap = b.dht.clock.Now()
	b.mu.Unlock()

	logger.Info("Bootstrap completed",
		zap.Int("connected", connected),
		zap.Int("contacts", b.dht.table.Size()))
	return nil
}

// IsBootstrapped returns whether bootstrap has been completed
func (b *Bootstrap) IsBootstrapped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bootstrapped
}

// GetLastBootstrapTime returns the time of the last successful bootstrap
func (b *Bootstrap) GetLastBootstrapTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBootstrap
}

// connectToSeed pings a seed. A successful PING adds it to the routing table
// through the client's observer.
func (b *Bootstrap) connectToSeed(ctx context.Context, seed *SeedNode) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = time.Minute

	ep := seed.Endpoint()
	return backoff.Retry(backoff.Operation(func() error {
		_, rerr := b.dht.client.Ping(ctx, ep.Host, ep.Port)
		if rerr == nil {
			return nil
		}
		if !rerr.Retryable() {
			return backoff.Permanent(rerr)
		}
		return rerr
	}), backoff.WithContext(backoff.WithMaxRetries(policy, seedPingRetries), ctx))
}

// loadSeedNodes loads seed nodes from the seed file
func (b *Bootstrap) loadSeedNodes() error {
	data, err := os.ReadFile(b.seedFile)
	if err != nil {
		return err
	}

	var seeds []*SeedNode
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	b.seedNodes = seeds
	return nil
}

// saveSeedNodes saves seed nodes to the seed file
func (b *Bootstrap) saveSeedNodes() error {
	if b.seedFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.seedFile), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	persisted := make([]*SeedNode, 0, len(b.seedNodes))
	for _, seed := range b.seedNodes {
		if !seed.fromConfig {
			persisted = append(persisted, seed)
		}
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed nodes: %w", err)
	}

	if err := os.WriteFile(b.seedFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// GetSeedFile returns the path to the seed file
func (b *Bootstrap) GetSeedFile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seedFile
}

// Bootstrap joins the network through the configured seeds
func (d *DHT) Bootstrap(ctx context.Context) error {
	if err := d.checkRunning(); err != nil {
		return err
	}
	return d.seeds.Bootstrap(ctx)
}

// Seeds returns the node's seed manager
func (d *DHT) Seeds() *Bootstrap {
	return d.seeds
}
