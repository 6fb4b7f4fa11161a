package arena

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/backend/memsim"
	"macs.ai/internal/sim/tuning"
)

func newMemEnv(t *testing.T, mutate func(*tuning.Config), hooks memsim.Hooks) (*Env, *memsim.Sim) {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.Env.NSensors = 8
	if mutate != nil {
		mutate(&cfg)
	}
	sim := memSim(cfg, hooks)
	env, err := New(cfg, sim, nil)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	return env, sim
}

func memSim(cfg tuning.Config, hooks memsim.Hooks) *memsim.Sim {
	opts := memsim.DefaultOptions()
	opts.Blueprints = map[string]backend.Tag{
		cfg.Layout.AgentBlueprint:  backend.TagAgent,
		cfg.Layout.FoodBlueprint:   backend.TagFood,
		cfg.Layout.HazardBlueprint: backend.TagHazard,
	}
	opts.Obstacles = cfg.Layout.Blocked()
	opts.Seed = cfg.Env.Seed
	opts.Hooks = hooks
	return memsim.New(opts)
}

func actionsFor(n, agents int, a Action) []map[string]Action {
	out := make([]map[string]Action, n)
	for i := range out {
		out[i] = map[string]Action{}
		for j := 0; j < agents; j++ {
			out[i][AgentName(j)] = a
		}
	}
	return out
}

func TestEnv_TruncatesExactlyAtMaxCycles(t *testing.T) {
	env, sim := newMemEnv(t, func(c *tuning.Config) {
		c.Env.NumArenas = 4
		c.Env.NAgents = 5
		c.Env.MaxCycles = 3
	}, memsim.Hooks{})
	ctx := context.Background()

	res, err := env.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(res.Obs) != 4 || len(res.Infos) != 4 {
		t.Fatalf("reset arenas obs=%d infos=%d", len(res.Obs), len(res.Infos))
	}
	if want := 4 * (5 + 10 + 5); sim.ActorCount() != want {
		t.Fatalf("actors=%d want %d", sim.ActorCount(), want)
	}
	for _, o := range res.Obs {
		if len(o) != 5 || len(o["pursuer_4"]) != env.Layout().Dim {
			t.Fatalf("obs shape: %d agents, dim %d", len(o), len(o["pursuer_4"]))
		}
	}

	for step := 1; step <= 3; step++ {
		rays := sim.RayCalls()
		out, err := env.Step(ctx, actionsFor(4, 5, Action{0.5, -0.5}))
		if err != nil && !errors.Is(err, ErrRespawnFailure) {
			t.Fatalf("step %d: %v", step, err)
		}
		if got := sim.RayCalls() - rays; got != 1 {
			t.Fatalf("step %d: %d ray trace calls for 4 arenas, want 1", step, got)
		}
		for i := 0; i < 4; i++ {
			if len(out.Rewards[i]) != 5 {
				t.Fatalf("step %d arena %d rewards=%v", step, i, out.Rewards[i])
			}
			for name, trunc := range out.Truncated[i] {
				if trunc != (step == 3) {
					t.Fatalf("step %d arena %d %s truncated=%v", step, i, name, trunc)
				}
				if out.Terminated[i][name] {
					t.Fatalf("terminated emitted")
				}
			}
			if !out.Infos[i].AgentMask["pursuer_0"] || out.Infos[i].Steps != step {
				t.Fatalf("info=%+v", out.Infos[i])
			}
		}
	}
	if env.Phase() != PhaseIdle {
		t.Fatalf("phase=%s", env.Phase())
	}
}

func TestEnv_ResetOneRestartsOnlyThatArena(t *testing.T) {
	env, sim := newMemEnv(t, func(c *tuning.Config) {
		c.Env.NumArenas = 2
		c.Env.MaxCycles = 2
	}, memsim.Hooks{})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	before := sim.ActorCount()
	for i := 0; i < 2; i++ {
		if _, err := env.Step(ctx, actionsFor(2, 5, Action{1, 0})); err != nil && !errors.Is(err, ErrRespawnFailure) {
			t.Fatalf("step: %v", err)
		}
	}
	obs, info, err := env.ResetOne(ctx, 1)
	if err != nil {
		t.Fatalf("reset one: %v", err)
	}
	if len(obs) != 5 || info.Steps != 0 {
		t.Fatalf("obs=%d info=%+v", len(obs), info)
	}
	a0, _ := env.Arena(0)
	a1, _ := env.Arena(1)
	if a0.Steps != 2 || a1.Steps != 0 {
		t.Fatalf("steps=%d,%d", a0.Steps, a1.Steps)
	}
	if sim.ActorCount() != before {
		t.Fatalf("reset one spawned actors: %d -> %d", before, sim.ActorCount())
	}
	if _, _, err := env.ResetOne(ctx, 5); !errors.Is(err, ErrArenaIndex) {
		t.Fatalf("err=%v", err)
	}
}

func TestEnv_StepBeforeReset(t *testing.T) {
	env, _ := newMemEnv(t, nil, memsim.Hooks{})
	if _, err := env.Step(context.Background(), nil); !errors.Is(err, ErrNotReset) {
		t.Fatalf("err=%v", err)
	}
}

func TestEnv_MissingAction(t *testing.T) {
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	acts := actionsFor(1, 5, Action{})
	delete(acts[0], "pursuer_3")
	if _, err := env.Step(ctx, acts); !errors.Is(err, ErrMissingAction) {
		t.Fatalf("err=%v", err)
	}
}

func TestEnv_SpawnFailureFailsReset(t *testing.T) {
	cfg := tuning.Defaults()
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{
		Spawn: func(bp string) error {
			if bp == cfg.Layout.HazardBlueprint {
				return errors.New("no room")
			}
			return nil
		},
	})
	if _, err := env.Reset(context.Background()); !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("err=%v", err)
	}
	if env.NumArenas() != 0 {
		t.Fatalf("partial arenas kept")
	}
}

func TestEnv_ReadbackFailureFailsReset(t *testing.T) {
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{
		GetTransform: func(backend.ActorID) error { return errors.New("gone") },
	})
	if _, err := env.Reset(context.Background()); !errors.Is(err, ErrTransformReadback) {
		t.Fatalf("err=%v", err)
	}
}

func TestEnv_SamplingExhaustionFailsReset(t *testing.T) {
	env, _ := newMemEnv(t, func(c *tuning.Config) {
		c.Env.NumArenas = 1
		c.Layout.BlockRanges = [][2][2]float64{{{0, -2000}, {2000, 0}}}
	}, memsim.Hooks{})
	_, err := env.Reset(context.Background())
	if !errors.Is(err, ErrPlacementFailure) {
		t.Fatalf("err=%v", err)
	}
}

func TestRespawn_RefusedRelocationIsSurfaced(t *testing.T) {
	refuse := false
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{
		SetTransform: func(backend.ActorID) bool { return !refuse },
	})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s, _ := env.Arena(0)
	food := s.Food[0]
	before := s.Position[food]

	refuse = true
	done, err := env.placer.Respawn(ctx, []*State{s}, [][]backend.ActorID{{food}})
	if !errors.Is(err, ErrRespawnFailure) {
		t.Fatalf("err=%v", err)
	}
	if len(done[0]) != 0 || s.Position[food] != before {
		t.Fatalf("refused relocation changed state")
	}

	refuse = false
	done, err = env.placer.Respawn(ctx, []*State{s}, [][]backend.ActorID{{food}})
	if err != nil || len(done[0]) != 1 {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if v := s.Velocity[food].Len(); v < 0.149 || v > 0.151 {
		t.Fatalf("respawn speed=%v", v)
	}
}

func TestRespawn_AgentIsUnknownKind(t *testing.T) {
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s, _ := env.Arena(0)
	_, err := env.placer.Respawn(ctx, []*State{s}, [][]backend.ActorID{{s.Agents[0]}})
	if !errors.Is(err, ErrUnknownEntityKind) {
		t.Fatalf("err=%v", err)
	}
}

func TestRunMoves_CountMismatchIsFatal(t *testing.T) {
	s := testArena(2, 1, 0)
	p := &planner{b: nil, cfg: tuning.Defaults()}
	var mb moveBatch
	mb.add(p.moveCommand("a0", s.Position["a0"], 0, backend.OrientationKeep), moveMeta{arena: 0, actor: "a0", kind: KindAgent})
	mb.cmds[0].Run = func(context.Context) (backend.MoveResult, error) { return backend.MoveResult{}, nil }
	if _, err := runMoves(context.Background(), []*State{s}, mb); !errors.Is(err, ErrResultCountMismatch) {
		t.Fatalf("err=%v", err)
	}
}

type captureLogger struct{ entries []TickLogEntry }

func (c *captureLogger) WriteTick(e TickLogEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestEnv_WritesTickLog(t *testing.T) {
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 2 }, memsim.Hooks{})
	tl := &captureLogger{}
	env.SetTickLogger(tl)
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.Step(ctx, actionsFor(2, 5, Action{})); err != nil && !errors.Is(err, ErrRespawnFailure) {
		t.Fatalf("step: %v", err)
	}
	if len(tl.entries) != 2 || tl.entries[0].Kind != TickKindReset || tl.entries[1].Kind != TickKindStep {
		t.Fatalf("entries=%+v", tl.entries)
	}
	if e := tl.entries[1]; e.Tick != 1 || len(e.Arenas) != 2 || len(e.Arenas[0].Rewards) != 5 {
		t.Fatalf("step entry=%+v", e)
	}
}

// lossyRays fails the next n ray batches and otherwise defers to memsim.
type lossyRays struct {
	*memsim.Sim
	n int
}

func (l *lossyRays) RayTraceBatch(ctx context.Context, jobs []backend.RayJob, debugDraw bool) ([]backend.RayResult, error) {
	if l.n > 0 {
		l.n--
		return nil, errors.New("trace lost")
	}
	return l.Sim.RayTraceBatch(ctx, jobs, debugDraw)
}

func TestEnv_FailedObservationDoesNotAdvanceCounters(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.Env.NumArenas = 1
	cfg.Env.NSensors = 8
	cfg.Env.MaxCycles = 3
	b := &lossyRays{Sim: memSim(cfg, memsim.Hooks{})}
	env, err := New(cfg, b, nil)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	tl := &captureLogger{}
	env.SetTickLogger(tl)
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	step := func() (StepResult, error) {
		out, err := env.Step(ctx, actionsFor(1, 5, Action{0.3, 0.3}))
		if errors.Is(err, ErrRespawnFailure) {
			err = nil
		}
		return out, err
	}
	if _, err := step(); err != nil {
		t.Fatalf("step 1: %v", err)
	}

	b.n = 1
	if _, err := step(); err == nil {
		t.Fatalf("expected ray trace error")
	}
	s, _ := env.Arena(0)
	if s.Steps != 1 || env.Tick() != 1 {
		t.Fatalf("failed step advanced counters: steps=%d tick=%d", s.Steps, env.Tick())
	}
	if len(tl.entries) != 2 {
		t.Fatalf("failed step wrote a tick entry: %d entries", len(tl.entries))
	}

	for want := 2; want <= 3; want++ {
		out, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", want, err)
		}
		if out.Infos[0].Steps != want || out.Truncated[0]["pursuer_0"] != (want == 3) {
			t.Fatalf("step %d: info=%+v truncated=%v", want, out.Infos[0], out.Truncated[0]["pursuer_0"])
		}
	}
	if last := tl.entries[len(tl.entries)-1]; last.Tick != 3 {
		t.Fatalf("last logged tick=%d want 3", last.Tick)
	}
}

func TestEnv_FailedResetOneKeepsArena(t *testing.T) {
	refuse := false
	env, _ := newMemEnv(t, func(c *tuning.Config) { c.Env.NumArenas = 1 }, memsim.Hooks{
		SetTransform: func(backend.ActorID) bool { return !refuse },
	})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.Step(ctx, actionsFor(1, 5, Action{0.5, 0})); err != nil && !errors.Is(err, ErrRespawnFailure) {
		t.Fatalf("step: %v", err)
	}
	s, _ := env.Arena(0)
	agent := s.Agents[0]
	pos, facing := s.Position[agent], s.Facing[agent]

	refuse = true
	if _, _, err := env.ResetOne(ctx, 0); !errors.Is(err, ErrPlacementFailure) {
		t.Fatalf("err=%v", err)
	}
	refuse = false
	if s.Steps != 1 || s.Position[agent] != pos || s.Facing[agent] != facing {
		t.Fatalf("failed reset one changed state: steps=%d pos=%v facing=%v", s.Steps, s.Position[agent], s.Facing[agent])
	}
	if v := s.Velocity[s.Food[0]]; v.Len() == 0 {
		t.Fatalf("food velocity lost")
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Step(ctx, actionsFor(1, 5, Action{})); err != nil && !errors.Is(err, ErrRespawnFailure) {
			t.Fatalf("zero-action step %d after failed reset one: %v", i, err)
		}
	}
	if s.Steps != 4 {
		t.Fatalf("steps=%d want 4", s.Steps)
	}
}

func TestEnv_CooperativeCaptureEndToEnd(t *testing.T) {
	env, sim := newMemEnv(t, func(c *tuning.Config) {
		c.Env.NumArenas = 1
		c.Env.NAgents = 2
		c.Env.NFood = 1
		c.Env.NHazards = 0
		c.Env.NCoop = 2
	}, memsim.Hooks{})
	tl := &captureLogger{}
	env.SetTickLogger(tl)
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Two agents 100 units either side of the food, both driving into it.
	s, _ := env.Arena(0)
	food := s.Food[0]
	z := s.Position[food][2]
	center := mgl64.Vec3{s.Anchor[0] + 600, s.Anchor[1] - 600, z}
	stage := map[backend.ActorID]mgl64.Vec3{
		food:        center,
		s.Agents[0]: center.Sub(mgl64.Vec3{100, 0, 0}),
		s.Agents[1]: center.Add(mgl64.Vec3{100, 0, 0}),
	}
	for id, loc := range stage {
		if err := sim.Place(id, loc); err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
		s.SetPosition(id, loc)
	}

	rays := sim.RayCalls()
	out, err := env.Step(ctx, []map[string]Action{{
		"pursuer_0": {1, 0},
		"pursuer_1": {-1, 0},
	}})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if sim.RayCalls()-rays != 1 {
		t.Fatalf("ray calls=%d want 1", sim.RayCalls()-rays)
	}

	cfg := env.Config().Env
	// encounter + supply minus the thrust penalty of a unit action.
	want := cfg.EncounterReward + cfg.SupplyReward + cfg.ThrustPenalty
	for _, name := range []string{"pursuer_0", "pursuer_1"} {
		if r := out.Rewards[0][name]; math.Abs(r-want) > 1e-9 {
			t.Fatalf("%s reward=%v want %v", name, r, want)
		}
		obs := out.Obs[0][name]
		if obs[env.Layout().FoodFlag()] != 1 || obs[env.Layout().HazardFlag()] != -1 {
			t.Fatalf("%s flags food=%v hazard=%v", name, obs[env.Layout().FoodFlag()], obs[env.Layout().HazardFlag()])
		}
	}

	entry := tl.entries[len(tl.entries)-1]
	at := entry.Arenas[0]
	if len(at.Captured) != 1 || at.Captured[0] != food {
		t.Fatalf("captured=%v want [%s]", at.Captured, food)
	}
	if len(at.Respawned) != 1 || at.Respawned[0] != food {
		t.Fatalf("respawned=%v want [%s]", at.Respawned, food)
	}
	if s.Position[food].Sub(center).Len() < 1 {
		t.Fatalf("captured food still at %v", s.Position[food])
	}
	tr, err := sim.GetTransform(ctx, food)
	if err != nil || tr.Location != s.Position[food] {
		t.Fatalf("backend food at %v (err=%v), store says %v", tr.Location, err, s.Position[food])
	}
}
