// Package arena runs many independent pursuit arenas against one backend in
// lock-step ticks. Each tick dispatches every movement at once, resolves the
// results single-threaded in completion order, scores and respawns, then
// rebuilds observations from one batched ray trace.
package arena

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/dispatch"
	"macs.ai/internal/sim/geom"
	"macs.ai/internal/sim/tuning"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseResolving
	PhaseRewarding
	PhaseObserving
	PhaseResetting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseResolving:
		return "resolving"
	case PhaseRewarding:
		return "rewarding"
	case PhaseObserving:
		return "observing"
	case PhaseResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// Info is the per-arena info record returned with observations.
type Info struct {
	ArenaID   string          `json:"arena_id"`
	Steps     int             `json:"steps"`
	AgentMask map[string]bool `json:"agent_mask"`
}

type ResetResult struct {
	Obs   []map[string][]float64
	Infos []Info
}

type StepResult struct {
	Obs        []map[string][]float64
	Rewards    []map[string]float64
	Terminated []map[string]bool
	Truncated  []map[string]bool
	Infos      []Info
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type Env struct {
	cfg    tuning.Config
	b      backend.Backend
	log    *log.Logger
	rng    *rand.Rand
	layout ObsLayout

	planner  *planner
	resolver *resolver
	placer   *placer

	mu    sync.Mutex
	phase atomic.Int32
	tick  uint64
	store Store

	episodes []int
	returns  []float64

	tickLogger TickLogger
}

// New builds an environment over b. logger may be nil.
func New(cfg tuning.Config, b backend.Backend, logger *log.Logger) (*Env, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	rng := rand.New(rand.NewSource(cfg.Env.Seed))
	e := &Env{
		cfg:      cfg,
		b:        b,
		log:      logger,
		rng:      rng,
		layout:   NewObsLayout(cfg.Env),
		planner:  &planner{b: b, cfg: cfg, rng: rng},
		resolver: newResolver(cfg, rng),
		placer:   newPlacer(b, cfg, rng),
	}
	return e, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (e *Env) SetTickLogger(l TickLogger) { e.tickLogger = l }

func (e *Env) Config() tuning.Config { return e.cfg }
func (e *Env) Layout() ObsLayout     { return e.layout }
func (e *Env) Spaces() Spaces        { return e.layout.Spaces() }
func (e *Env) Phase() Phase          { return Phase(e.phase.Load()) }

// NumArenas is the number of live arenas, zero before the first reset.
func (e *Env) NumArenas() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.store.Arenas)
}

// Arena exposes one arena's state for inspection. Callers must not mutate
// it while a call on e is in flight.
func (e *Env) Arena(i int) (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(i)
}

// Tick counts completed steps since the process started.
func (e *Env) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Env) setPhase(p Phase) { e.phase.Store(int32(p)) }

// Reset destroys every arena and builds num_arenas fresh ones.
func (e *Env) Reset(ctx context.Context) (ResetResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setPhase(PhaseIdle)
	e.setPhase(PhaseResetting)

	start := time.Now()
	e.destroyAll(ctx)
	if err := e.b.ResetLevel(ctx); err != nil {
		return ResetResult{}, fmt.Errorf("reset level: %w", err)
	}
	e.store.Reinit()

	if err := e.loadArenas(ctx); err != nil {
		e.store.Reinit()
		return ResetResult{}, err
	}
	if err := e.placer.spawnAll(ctx, e.store.Arenas); err != nil {
		e.store.Reinit()
		return ResetResult{}, err
	}
	if err := e.placer.initArenas(ctx, e.store.Arenas); err != nil {
		e.store.Reinit()
		return ResetResult{}, err
	}
	e.episodes = make([]int, len(e.store.Arenas))
	e.returns = make([]float64, len(e.store.Arenas))

	e.setPhase(PhaseObserving)
	obs, err := e.layout.observe(ctx, e.b, e.store.Arenas)
	if err != nil {
		return ResetResult{}, err
	}
	e.log.Printf("reset: %d arenas in %s", len(e.store.Arenas), time.Since(start).Round(time.Millisecond))
	e.writeTick(TickKindReset, e.store.Arenas, nil)
	return ResetResult{Obs: obs, Infos: e.infos(e.store.Arenas)}, nil
}

func (e *Env) destroyAll(ctx context.Context) {
	var cmds []dispatch.Command[struct{}]
	for _, s := range e.store.Arenas {
		for _, id := range s.Actors() {
			id := id
			cmds = append(cmds, dispatch.Command[struct{}]{
				Key: string(id),
				Run: func(ctx context.Context) (struct{}, error) {
					return struct{}{}, e.b.DestroyActor(ctx, id)
				},
			})
		}
	}
	for _, err := range dispatch.Failures(dispatch.DispatchBatch(ctx, cmds)) {
		e.log.Printf("destroy: %v", err)
	}
}

func (e *Env) loadArenas(ctx context.Context) error {
	n := e.cfg.Env.NumArenas
	anchors := make([]mgl64.Vec3, n)
	cmds := make([]dispatch.Command[backend.ArenaID], n)
	for i := 0; i < n; i++ {
		anchor := geom.GridAnchor(i, n, e.cfg.Layout.ArenaSpacing)
		anchors[i] = anchor
		cmds[i] = dispatch.Command[backend.ArenaID]{
			Key: fmt.Sprintf("arena/%d", i),
			Run: func(ctx context.Context) (backend.ArenaID, error) {
				return e.b.LoadArena(ctx, e.cfg.Layout.LevelPath, anchor)
			},
		}
	}
	rs := dispatch.DispatchBatch(ctx, cmds)
	errs := dispatch.Failures(rs)
	if len(errs) > 0 {
		e.log.Printf("reset: loaded %d of %d arenas", n-len(errs), n)
		return fmt.Errorf("load arenas: %w", errors.Join(errs...))
	}
	for _, r := range rs {
		e.store.add(r.Value, anchors[r.Index])
	}
	return nil
}

// ResetOne re-initializes arena i in place, reusing its actors.
func (e *Env) ResetOne(ctx context.Context, i int) (map[string][]float64, Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setPhase(PhaseIdle)
	if len(e.store.Arenas) == 0 {
		return nil, Info{}, ErrNotReset
	}
	s, err := e.store.Get(i)
	if err != nil {
		return nil, Info{}, err
	}
	e.setPhase(PhaseResetting)
	prev := s.saveDynamic()
	s.SoftReset()
	arenas := []*State{s}
	if err := e.placer.initArenas(ctx, arenas); err != nil {
		s.restoreDynamic(prev)
		return nil, Info{}, err
	}
	e.episodes[i]++
	e.returns[i] = 0
	e.setPhase(PhaseObserving)
	obs, err := e.layout.observe(ctx, e.b, arenas)
	if err != nil {
		return nil, Info{}, err
	}
	e.writeTick(TickKindResetOne, arenas, nil)
	return obs[0], e.infos(arenas)[0], nil
}

// Step advances every arena by one tick. actions holds one map per arena
// keyed by agent name. A respawn failure does not void the tick: the
// result is returned together with an error wrapping ErrRespawnFailure.
func (e *Env) Step(ctx context.Context, actions []map[string]Action) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setPhase(PhaseIdle)

	arenas := e.store.Arenas
	if len(arenas) == 0 {
		return StepResult{}, ErrNotReset
	}
	acts, err := e.collectActions(actions)
	if err != nil {
		return StepResult{}, err
	}

	e.setPhase(PhaseDispatching)
	for _, s := range arenas {
		s.ClearFlags()
	}
	moves, err := runMoves(ctx, arenas, e.planner.plan(arenas, acts))
	if err != nil {
		return StepResult{}, err
	}
	for _, m := range moves {
		for _, r := range m.results {
			if !r.OK() {
				e.log.Printf("arena %d: move %s: %v", m.arena, r.Key, r.Err)
			}
		}
	}

	e.setPhase(PhaseResolving)
	settlements := make([]*Settlement, len(arenas))
	for _, m := range moves {
		settlements[m.arena] = e.resolver.resolve(arenas[m.arena], m.results)
	}

	e.setPhase(PhaseRewarding)
	rewards := make([]Rewards, len(arenas))
	targets := make([][]backend.ActorID, len(arenas))
	normal := mgl64.Vec2{e.cfg.Motion.BounceNormal[0], e.cfg.Motion.BounceNormal[1]}
	for i, s := range arenas {
		st := settlements[i]
		rewards[i] = ComputeRewards(e.cfg.Env, s.Agents, st, acts[i])
		markHits(s, st)
		struggle(e.rng, s, st, normal, e.cfg.Env.ScatterStrength)
		targets[i] = append(Captured(st, e.cfg.Env.NCoop), HazardHits(st)...)
	}
	respawned, respawnErr := e.placer.Respawn(ctx, arenas, targets)
	if respawnErr != nil {
		e.log.Printf("respawn: %v", respawnErr)
	}

	e.setPhase(PhaseObserving)
	obs, err := e.layout.observe(ctx, e.b, arenas)
	if err != nil {
		return StepResult{}, err
	}
	// Counters move only once the tick has fully produced its result.
	e.tick++
	for _, s := range arenas {
		s.Steps++
	}

	res := StepResult{
		Obs:        obs,
		Rewards:    make([]map[string]float64, len(arenas)),
		Terminated: make([]map[string]bool, len(arenas)),
		Truncated:  make([]map[string]bool, len(arenas)),
		Infos:      e.infos(arenas),
	}
	for i, s := range arenas {
		res.Rewards[i] = make(map[string]float64, len(s.Agents))
		res.Terminated[i] = make(map[string]bool, len(s.Agents))
		res.Truncated[i] = make(map[string]bool, len(s.Agents))
		trunc := s.Steps >= e.cfg.Env.MaxCycles
		for a := range s.Agents {
			name := AgentName(a)
			res.Rewards[i][name] = rewards[i].Final[a]
			res.Terminated[i][name] = false
			res.Truncated[i][name] = trunc
			e.returns[i] += rewards[i].Final[a]
		}
	}
	e.writeTick(TickKindStep, arenas, &tickDetail{
		rewards:     rewards,
		settlements: settlements,
		respawned:   respawned,
		respawnErr:  respawnErr,
	})
	return res, respawnErr
}

// collectActions orders each arena's actions by agent index.
func (e *Env) collectActions(actions []map[string]Action) ([][]Action, error) {
	arenas := e.store.Arenas
	if len(actions) != len(arenas) {
		return nil, fmt.Errorf("%w: got actions for %d arenas, have %d", ErrMissingAction, len(actions), len(arenas))
	}
	out := make([][]Action, len(arenas))
	for i, s := range arenas {
		out[i] = make([]Action, len(s.Agents))
		for a := range s.Agents {
			act, ok := actions[i][AgentName(a)]
			if !ok {
				return nil, fmt.Errorf("%w: arena %d agent %s", ErrMissingAction, i, AgentName(a))
			}
			out[i][a] = act
		}
	}
	return out, nil
}

func (e *Env) infos(arenas []*State) []Info {
	out := make([]Info, len(arenas))
	for i, s := range arenas {
		mask := make(map[string]bool, len(s.Agents))
		for a := range s.Agents {
			mask[AgentName(a)] = true
		}
		out[i] = Info{ArenaID: string(s.ID), Steps: s.Steps, AgentMask: mask}
	}
	return out
}

// Close releases the backend.
func (e *Env) Close() error { return e.b.Close() }
