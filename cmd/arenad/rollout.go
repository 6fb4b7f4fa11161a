package main

import (
	"context"
	"errors"
	"log"
	"math/rand"

	"macs.ai/internal/sim/arena"
)

// runRollout drives env with a uniform random policy, resetting whenever
// every arena has truncated.
func runRollout(ctx context.Context, env *arena.Env, steps int, seed int64, logger *log.Logger) error {
	rng := rand.New(rand.NewSource(seed))
	agents := env.Config().Env.NAgents

	if _, err := env.Reset(ctx); err != nil {
		return err
	}
	returns := make([]float64, env.NumArenas())
	for t := 0; t < steps; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		actions := make([]map[string]arena.Action, env.NumArenas())
		for i := range actions {
			actions[i] = make(map[string]arena.Action, agents)
			for a := 0; a < agents; a++ {
				actions[i][arena.AgentName(a)] = arena.Action{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
			}
		}
		res, err := env.Step(ctx, actions)
		if err != nil {
			if !errors.Is(err, arena.ErrRespawnFailure) {
				return err
			}
			logger.Printf("step %d: %v", t, err)
		}

		done := true
		for i := range res.Rewards {
			for _, r := range res.Rewards[i] {
				returns[i] += r
			}
			for _, tr := range res.Truncated[i] {
				if !tr {
					done = false
				}
			}
		}
		if done {
			for i, r := range returns {
				logger.Printf("arena %d episode return=%.3f", i, r)
				returns[i] = 0
			}
			if _, err := env.Reset(ctx); err != nil {
				return err
			}
		}
	}
	logger.Printf("rollout finished after %d steps tick=%d", steps, env.Tick())
	return nil
}
