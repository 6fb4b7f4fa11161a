package arena

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/dispatch"
	"macs.ai/internal/sim/geom"
	"macs.ai/internal/sim/tuning"
)

// placer owns location sampling for spawn, reset and respawn.
type placer struct {
	b       backend.Backend
	layout  tuning.Layout
	env     tuning.Env
	motion  tuning.Motion
	bounds  geom.Bounds
	blocked []geom.Rect
	rng     *rand.Rand
}

func newPlacer(b backend.Backend, cfg tuning.Config, rng *rand.Rand) *placer {
	return &placer{
		b:       b,
		layout:  cfg.Layout,
		env:     cfg.Env,
		motion:  cfg.Motion,
		bounds:  cfg.Layout.Bounds(),
		blocked: cfg.Layout.Blocked(),
		rng:     rng,
	}
}

// sample draws a safe location in arena-local coordinates and lifts it to
// world space.
func (p *placer) sample(s *State) (mgl64.Vec3, error) {
	loc, ok := geom.SampleSafeLocation(p.rng, p.bounds, p.blocked, p.layout.MaxSampleRetries)
	if !ok {
		return mgl64.Vec3{}, fmt.Errorf("arena %d: %w", s.Index, geom.ErrNoSafeLocation)
	}
	return mgl64.Vec3{s.Anchor[0] + loc[0], s.Anchor[1] + loc[1], s.Anchor[2] + p.layout.SpawnZ}, nil
}

func (p *placer) scaleOf(k Kind) mgl64.Vec3 {
	sc := p.layout.DefaultScale
	if k == KindFood {
		sc = p.layout.FoodScale
	}
	return mgl64.Vec3{sc, sc, sc}
}

func (p *placer) speedOf(k Kind) float64 {
	switch k {
	case KindFood:
		return p.env.FoodSpeed
	case KindHazard:
		return p.env.HazardSpeed
	}
	return 0
}

func (p *placer) blueprint(k Kind) string {
	switch k {
	case KindFood:
		return p.layout.FoodBlueprint
	case KindHazard:
		return p.layout.HazardBlueprint
	}
	return p.layout.AgentBlueprint
}

type spawnMeta struct {
	arena *State
	kind  Kind
}

// spawnAll creates every actor of every arena in one batch. Any failure
// fails the whole call.
func (p *placer) spawnAll(ctx context.Context, arenas []*State) error {
	var (
		cmds []dispatch.Command[backend.ActorID]
		meta []spawnMeta
	)
	counts := []struct {
		kind Kind
		n    int
	}{
		{KindAgent, p.env.NAgents},
		{KindFood, p.env.NFood},
		{KindHazard, p.env.NHazards},
	}
	timeout := p.motion.SpawnTimeout()
	for _, s := range arenas {
		origin := backend.At(mgl64.Vec3{s.Anchor[0], s.Anchor[1], s.Anchor[2] + p.layout.SpawnZ})
		for _, c := range counts {
			for i := 0; i < c.n; i++ {
				s, kind := s, c.kind
				bp := p.blueprint(kind)
				t := origin
				t.Scale = p.scaleOf(kind)
				cmds = append(cmds, dispatch.Command[backend.ActorID]{
					Key:     fmt.Sprintf("%s/%s/%d", s.ID, kind, i),
					Timeout: timeout,
					Run: func(ctx context.Context) (backend.ActorID, error) {
						return p.b.SpawnActor(ctx, s.ID, bp, t, timeout)
					},
				})
				meta = append(meta, spawnMeta{arena: s, kind: kind})
			}
		}
	}
	rs := dispatch.DispatchBatch(ctx, cmds)
	if errs := dispatch.Failures(rs); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSpawnFailure, errors.Join(errs...))
	}
	for _, r := range rs {
		m := meta[r.Index]
		m.arena.addActor(r.Value, m.kind)
	}
	return nil
}

// initArenas places every actor of the given arenas at a fresh safe
// location, reads back the authoritative transforms and seeds velocities
// and facings.
func (p *placer) initArenas(ctx context.Context, arenas []*State) error {
	var cmds []dispatch.Command[bool]
	for _, s := range arenas {
		for _, id := range s.Actors() {
			kind, _ := s.KindOf(id)
			loc, err := p.sample(s)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPlacementFailure, err)
			}
			id, t := id, backend.Transform{Location: loc, Scale: p.scaleOf(kind)}
			cmds = append(cmds, dispatch.Command[bool]{
				Key:     string(id),
				Timeout: p.motion.SpawnTimeout(),
				Run: func(ctx context.Context) (bool, error) {
					return p.b.SetTransform(ctx, id, t)
				},
			})
		}
	}
	if err := checkTransforms(dispatch.DispatchBatch(ctx, cmds), ErrPlacementFailure); err != nil {
		return err
	}

	var reads []dispatch.Command[backend.Transform]
	var owners []*State
	for _, s := range arenas {
		for _, id := range s.Actors() {
			id := id
			reads = append(reads, dispatch.Command[backend.Transform]{
				Key:     string(id),
				Timeout: p.motion.SpawnTimeout(),
				Run: func(ctx context.Context) (backend.Transform, error) {
					return p.b.GetTransform(ctx, id)
				},
			})
			owners = append(owners, s)
		}
	}
	rs := dispatch.DispatchBatch(ctx, reads)
	if errs := dispatch.Failures(rs); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrTransformReadback, errors.Join(errs...))
	}
	for _, r := range rs {
		owners[r.Index].SetPosition(backend.ActorID(r.Key), r.Value.Location)
	}

	for _, s := range arenas {
		for _, id := range s.Agents {
			s.SetFacing(id, mgl64.Vec3{1, 0, 0})
		}
		for _, id := range s.Food {
			s.SetVelocity(id, geom.RandomUnit2(p.rng).Mul(p.env.FoodSpeed))
		}
		for _, id := range s.Hazards {
			s.SetVelocity(id, geom.RandomUnit2(p.rng).Mul(p.env.HazardSpeed))
		}
	}
	return nil
}

// checkTransforms turns refused or failed set-transform results into one
// error wrapping sentinel.
func checkTransforms(rs []dispatch.TimedResult[bool], sentinel error) error {
	errs := dispatch.Failures(rs)
	for _, r := range rs {
		if r.OK() && !r.Value {
			errs = append(errs, fmt.Errorf("%s: transform refused", r.Key))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, errors.Join(errs...))
}
