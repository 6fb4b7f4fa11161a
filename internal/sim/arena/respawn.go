package arena

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/dispatch"
	"macs.ai/internal/sim/geom"
)

type respawnJob struct {
	arena *State
	id    backend.ActorID
	kind  Kind
	loc   mgl64.Vec3
	vel   mgl64.Vec2
}

// Respawn relocates the given food and hazards of several arenas in one
// batch. Only successful relocations update the store. The returned ids are
// those respawned, per arena in input order; failures are joined under
// ErrRespawnFailure.
func (p *placer) Respawn(ctx context.Context, arenas []*State, targets [][]backend.ActorID) ([][]backend.ActorID, error) {
	var (
		jobs []respawnJob
		errs []error
		cmds []dispatch.Command[bool]
	)
	for ai, s := range arenas {
		for _, id := range targets[ai] {
			kind, _ := s.KindOf(id)
			if kind != KindFood && kind != KindHazard {
				errs = append(errs, fmt.Errorf("%s: %w: %s", id, ErrUnknownEntityKind, kind))
				continue
			}
			loc, err := p.sample(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			j := respawnJob{
				arena: s,
				id:    id,
				kind:  kind,
				loc:   loc,
				vel:   geom.RandomUnit2(p.rng).Mul(p.speedOf(kind)),
			}
			jobs = append(jobs, j)
			t := backend.Transform{Location: loc, Scale: p.scaleOf(kind)}
			cmds = append(cmds, dispatch.Command[bool]{
				Key:     string(id),
				Timeout: p.motion.EntityMoveTimeout(),
				Run: func(ctx context.Context) (bool, error) {
					return p.b.SetTransform(ctx, j.id, t)
				},
			})
		}
	}

	done := make([][]backend.ActorID, len(arenas))
	index := make(map[*State]int, len(arenas))
	for i, s := range arenas {
		index[s] = i
	}
	for _, r := range dispatch.DispatchBatch(ctx, cmds) {
		j := jobs[r.Index]
		switch {
		case !r.OK():
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
		case !r.Value:
			errs = append(errs, fmt.Errorf("%s: relocation refused", r.Key))
		default:
			j.arena.SetPosition(j.id, j.loc)
			j.arena.SetVelocity(j.id, j.vel)
			done[index[j.arena]] = append(done[index[j.arena]], j.id)
		}
	}
	if len(errs) > 0 {
		return done, fmt.Errorf("%w: %w", ErrRespawnFailure, errors.Join(errs...))
	}
	return done, nil
}
