package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateMachineID returns the identifier stored at path, creating a
// random one on first use
func loadOrCreateMachineID(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, false, nil
		}
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to read machine id: %w", err)
	}

	id := uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, fmt.Errorf("failed to create machine id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", false, fmt.Errorf("failed to save machine id: %w", err)
	}
	return id, true, nil
}

// machineIDFor picks the identity of a node. One-shot commands run next to a
// long-lived node on the same machine, so they take a fresh identifier and
// leave the stored one alone.
func machineIDFor(cfg *nodeConfig, oneShot bool) (string, bool, error) {
	if oneShot {
		return "oneshot-" + uuid.NewString(), false, nil
	}
	return loadOrCreateMachineID(cfg.MachineIDFile)
}
