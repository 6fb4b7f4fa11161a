package main

import (
	"os"
	"path/filepath"
	"strings"

	"macs.ai/internal/persistence/indexdb"
	"macs.ai/internal/sim/arena"
)

type runtimeIndex interface {
	arena.TickLogger
	Stats() indexdb.Stats
	Close() error
}

func openRuntimeIndex(runDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MACS_INDEX_BACKEND"))) {
	case "none", "off", "disabled":
		return nil, nil
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(runDir, "index", "arena.sqlite"))
	if err != nil {
		return nil, err
	}
	return idx, nil
}
