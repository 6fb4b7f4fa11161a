package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/backend/memsim"
	"macs.ai/internal/sim/backend/wsclient"
	"macs.ai/internal/sim/tuning"
)

func buildBackend(ctx context.Context, cfg tuning.Config, logger *log.Logger) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case tuning.BackendMem:
		return newMemBackend(cfg), nil
	case tuning.BackendWS:
		c, err := wsclient.Dial(ctx, cfg.Backend.URL, cfg.Backend.RequestTimeout(),
			log.New(os.Stdout, "[wsclient] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Backend.URL, err)
		}
		logger.Printf("connected to simulator at %s", cfg.Backend.URL)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported backend kind: %q", cfg.Backend.Kind)
	}
}

func newMemBackend(cfg tuning.Config) *memsim.Sim {
	opts := memsim.DefaultOptions()
	opts.Blueprints = map[string]backend.Tag{
		cfg.Layout.AgentBlueprint:  backend.TagAgent,
		cfg.Layout.FoodBlueprint:   backend.TagFood,
		cfg.Layout.HazardBlueprint: backend.TagHazard,
	}
	opts.Obstacles = cfg.Layout.Blocked()
	opts.Jitter = time.Duration(cfg.Backend.LatencyJitterMs) * time.Millisecond
	opts.Seed = cfg.Env.Seed
	return memsim.New(opts)
}
