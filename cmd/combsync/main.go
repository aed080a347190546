// Package main implements the combsync node CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/internal/dht"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/metrics"
	"github.com/WebFirstLanguage/combsync/pkg/transport"
	"github.com/WebFirstLanguage/combsync/pkg/transport/quic"
	"github.com/WebFirstLanguage/combsync/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		err = startCommand(args)
	case "put":
		err = putCommand(args)
	case "get":
		err = getCommand(args)
	case "machine-id":
		err = machineIDCommand(args)
	case "seeds":
		err = seedsCommand(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("combsync %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`combsync v%s - Kademlia DHT node

Usage:
  combsync <command> [options]

Commands:
  start       Run a node until interrupted
  put         Store a value: put [options] <key> <value>
  get         Fetch a value: get [options] <key>
  machine-id  Show the machine identifier and node id
  seeds       Manage the seed file: seeds [options] list | add <host:port> [name] | remove <host:port>
  version     Show version information
  help        Show this help message

Options (also read from COMBSYNC_* environment variables or .env):
  --transport tcp|tls|quic   stream transport (COMBSYNC_TRANSPORT)
  --listen <addr>            RPC listen address (COMBSYNC_LISTEN)
  --advertise <host:port,..> endpoints to advertise (COMBSYNC_ADVERTISE)
  --seeds <host:port,..>     seed nodes (COMBSYNC_SEEDS)
  --seed-file <path>         JSON seed file (COMBSYNC_SEED_FILE)
  --machine-id-file <path>   machine identifier file (COMBSYNC_MACHINE_ID_FILE)
  --announce                 announce on the LAN (COMBSYNC_ANNOUNCE)
  --metrics <addr>           serve Prometheus metrics (COMBSYNC_METRICS_ADDR)
  --log-level <level>        log level (COMBSYNC_LOG_LEVEL)
  --dev                      development logging (COMBSYNC_DEV)

Examples:
  # First node of a network
  combsync start --listen :27490 --announce

  # Join through a seed
  combsync start --seeds 192.0.2.10:27490

  # One-shot store and fetch, under a temporary identity
  combsync put --seeds 192.0.2.10:27490 greeting hello
  combsync get --seeds 192.0.2.10:27490 greeting

  # Remember a seed for later runs
  combsync seeds add 192.0.2.10:27490 office

`, version)
}

func newLogger(cfg *nodeConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func newTransport(name string) (transport.StreamTransport, error) {
	registry := transport.NewRegistry()
	registry.Register(transport.NameTCP, tcp.Factory)
	registry.Register(transport.NameTLS, tcp.TLSFactory)
	registry.Register(transport.NameQUIC, quic.Factory)

	tcfg := transport.DefaultConfig()
	if name != transport.NameTCP {
		tlsConfig, err := transport.SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
		tcfg.TLSConfig = tlsConfig
	}
	return registry.New(name, tcfg)
}

// node bundles a configured DHT with its logger and metrics registry
type node struct {
	dht      *dht.DHT
	logger   *zap.Logger
	registry *prometheus.Registry
	cfg      *nodeConfig
}

// newNode configures a node. One-shot nodes get a temporary identity, an
// ephemeral port unless one was asked for, and do not announce.
func newNode(name string, args []string, oneShot bool) (*node, []string, error) {
	cfg, rest, err := loadConfig(name, args, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	if oneShot {
		if !cfg.ListenSet {
			cfg.Listen = ":0"
		}
		cfg.Announce = false
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	machineID, created, err := machineIDFor(cfg, oneShot)
	if err != nil {
		return nil, nil, err
	}
	if created {
		logger.Info("Created machine identifier", zap.String("path", cfg.MachineIDFile))
	}

	tr, err := newTransport(cfg.Transport)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	d, err := dht.New(&dht.Config{
		MachineID:           machineID,
		Transport:           tr,
		ListenAddr:          cfg.Listen,
		AdvertisedEndpoints: cfg.Advertise,
		Endpoints:           interfaceLister{},
		Seeds:               cfg.Seeds,
		SeedFile:            cfg.SeedFile,
		Announce:            cfg.Announce,
		AnnounceTargets:     broadcastTargets(),
		Metrics:             m,
		Logger:              logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return &node{dht: d, logger: logger, registry: registry, cfg: cfg}, rest, nil
}

// join starts the node and bootstraps when seeds are known
func (n *node) join(ctx context.Context) error {
	if err := n.dht.Start(ctx); err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		if errors.Is(err, dht.ErrNoSeeds) {
			n.logger.Info("No seeds configured, waiting for peers")
			return nil
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	return nil
}

func (n *node) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.dht.Stop(ctx); err != nil {
		n.logger.Warn("Unclean shutdown", zap.Error(err))
	}
	n.logger.Sync()
}

// startCommand implements the start subcommand
func startCommand(args []string) error {
	n, _, err := newNode("start", args, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.join(ctx); err != nil {
		n.stop()
		return err
	}
	defer n.stop()

	if n.cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer server.Close()
	}

	self := n.dht.Self()
	n.logger.Info("Node running",
		zap.Stringer("id", self.ID),
		zap.String("machine", self.MachineID),
		zap.Any("endpoints", self.Endpoints))

	<-ctx.Done()
	n.logger.Info("Shutting down")
	return nil
}

// putCommand implements the put subcommand
func putCommand(args []string) error {
	n, rest, err := newNode("put", args, true)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: combsync put [options] <key> <value>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := n.join(ctx); err != nil {
		n.stop()
		return err
	}
	defer n.stop()

	replicas, err := n.dht.Put(ctx, kad.KeyFor([]byte(rest[0])), []byte(rest[1]), 0)
	if err != nil {
		return err
	}
	fmt.Printf("Stored %q on %d nodes\n", rest[0], replicas)
	return nil
}

// getCommand implements the get subcommand
func getCommand(args []string) error {
	n, rest, err := newNode("get", args, true)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: combsync get [options] <key>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := n.join(ctx); err != nil {
		n.stop()
		return err
	}
	defer n.stop()

	value, err := n.dht.Get(ctx, kad.KeyFor([]byte(rest[0])))
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

// machineIDCommand implements the machine-id subcommand
func machineIDCommand(args []string) error {
	cfg, _, err := loadConfig("machine-id", args, os.Getenv)
	if err != nil {
		return err
	}
	machineID, _, err := loadOrCreateMachineID(cfg.MachineIDFile)
	if err != nil {
		return err
	}
	fmt.Printf("Machine ID: %s\n", machineID)
	fmt.Printf("Node ID: %s\n", kad.DeriveID(machineID))
	return nil
}

// seedsCommand implements the seeds subcommand
func seedsCommand(args []string) error {
	cfg, rest, err := loadConfig("seeds", args, os.Getenv)
	if err != nil {
		return err
	}
	seeds, err := dht.NewBootstrap(&dht.BootstrapConfig{SeedFile: cfg.SeedFile})
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		rest = []string{"list"}
	}

	switch rest[0] {
	case "list":
		fmt.Printf("Seed file: %s\n", seeds.GetSeedFile())
		for _, seed := range seeds.GetSeedNodes() {
			if seed.Name != "" {
				fmt.Printf("  %s (%s)\n", seed.Endpoint(), seed.Name)
			} else {
				fmt.Printf("  %s\n", seed.Endpoint())
			}
		}
		return nil
	case "add":
		if len(rest) < 2 || len(rest) > 3 {
			return fmt.Errorf("usage: combsync seeds add <host:port> [name]")
		}
		ep, err := kad.ParseEndpoint(rest[1])
		if err != nil {
			return err
		}
		seed := &dht.SeedNode{Host: ep.Host, Port: ep.Port}
		if len(rest) == 3 {
			seed.Name = rest[2]
		}
		if err := seeds.AddSeedNode(seed); err != nil {
			return err
		}
		fmt.Printf("Added seed %s\n", ep)
		return nil
	case "remove":
		if len(rest) != 2 {
			return fmt.Errorf("usage: combsync seeds remove <host:port>")
		}
		ep, err := kad.ParseEndpoint(rest[1])
		if err != nil {
			return err
		}
		if err := seeds.RemoveSeedNode(ep); err != nil {
			return err
		}
		fmt.Printf("Removed seed %s\n", ep)
		return nil
	default:
		return fmt.Errorf("unknown seeds command %q", rest[0])
	}
}
