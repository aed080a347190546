package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/WebFirstLanguage/combsync/internal/dht"
	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/transport"
)

// Environment variables read before flags. A .env file in the working
// directory is loaded into the environment first.
const (
	envTransport     = "COMBSYNC_TRANSPORT"
	envListen        = "COMBSYNC_LISTEN"
	envAdvertise     = "COMBSYNC_ADVERTISE"
	envSeeds         = "COMBSYNC_SEEDS"
	envSeedFile      = "COMBSYNC_SEED_FILE"
	envMachineIDFile = "COMBSYNC_MACHINE_ID_FILE"
	envAnnounce      = "COMBSYNC_ANNOUNCE"
	envMetricsAddr   = "COMBSYNC_METRICS_ADDR"
	envLogLevel      = "COMBSYNC_LOG_LEVEL"
	envDevelopment   = "COMBSYNC_DEV"
)

// nodeConfig is the node configuration assembled from environment and flags
type nodeConfig struct {
	Transport     string
	Listen        string
	ListenSet     bool // Listen came from the environment or a flag
	Advertise     []kad.Endpoint
	Seeds         []kad.Endpoint
	SeedFile      string
	MachineIDFile string
	Announce      bool
	MetricsAddr   string
	LogLevel      string
	Development   bool
}

// dataDir returns ~/.combsync
func dataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".combsync"
	}
	return filepath.Join(homeDir, ".combsync")
}

// loadConfig reads getenv for defaults and lets args override them. It
// returns the remaining positional arguments.
func loadConfig(name string, args []string, getenv func(string) string) (*nodeConfig, []string, error) {
	env := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	announce, err := parseBool(env(envAnnounce, "false"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", envAnnounce, err)
	}
	development, err := parseBool(env(envDevelopment, "false"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", envDevelopment, err)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	transportName := fs.String("transport", env(envTransport, transport.NameTCP), "stream transport: tcp, tls or quic")
	listen := fs.String("listen", env(envListen, ":"+strconv.Itoa(constants.DefaultRPCPort)), "RPC listen address")
	advertise := fs.String("advertise", env(envAdvertise, ""), "comma-separated host:port endpoints to advertise")
	seeds := fs.String("seeds", env(envSeeds, ""), "comma-separated host:port seed nodes")
	seedFile := fs.String("seed-file", env(envSeedFile, dht.DefaultSeedFile()), "JSON seed node file")
	machineIDFile := fs.String("machine-id-file", env(envMachineIDFile, filepath.Join(dataDir(), "machine-id")), "file holding the machine identifier")
	fs.BoolVar(&announce, "announce", announce, "announce this node on the LAN")
	metricsAddr := fs.String("metrics", env(envMetricsAddr, ""), "address to serve Prometheus metrics on, empty to disable")
	logLevel := fs.String("log-level", env(envLogLevel, "info"), "log level")
	fs.BoolVar(&development, "dev", development, "human-readable development logging")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	listenSet := getenv(envListen) != ""
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "listen" {
			listenSet = true
		}
	})

	cfg := &nodeConfig{
		Transport:     *transportName,
		Listen:        *listen,
		ListenSet:     listenSet,
		SeedFile:      *seedFile,
		MachineIDFile: *machineIDFile,
		Announce:      announce,
		MetricsAddr:   *metricsAddr,
		LogLevel:      *logLevel,
		Development:   development,
	}

	if cfg.Advertise, err = parseEndpoints(*advertise); err != nil {
		return nil, nil, fmt.Errorf("invalid advertised endpoints: %w", err)
	}
	if cfg.Seeds, err = parseEndpoints(*seeds); err != nil {
		return nil, nil, fmt.Errorf("invalid seeds: %w", err)
	}
	return cfg, fs.Args(), nil
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

// parseEndpoints parses a comma-separated host:port list
func parseEndpoints(s string) ([]kad.Endpoint, error) {
	var endpoints []kad.Endpoint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep, err := kad.ParseEndpoint(part)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
