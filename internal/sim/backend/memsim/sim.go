// Package memsim is an in-process backend: a flat 2-D world where each
// arena is a walled rectangle, actors are circles, and obstacles are boxes.
// It implements backend.Backend so the arena core can run without a remote
// simulator.
package memsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/geom"
)

var (
	ErrUnknownActor     = errors.New("memsim: unknown actor")
	ErrUnknownArena     = errors.New("memsim: unknown arena")
	ErrUnknownBlueprint = errors.New("memsim: unknown blueprint")
)

type Options struct {
	// Blueprints maps spawnable blueprint paths to actor tags.
	Blueprints map[string]backend.Tag
	Radius     map[backend.Tag]float64

	// ArenaMin/ArenaMax bound the walled floor relative to the arena anchor.
	ArenaMin mgl64.Vec2
	ArenaMax mgl64.Vec2
	// Obstacles are relative to the arena anchor.
	Obstacles []geom.Rect

	// Jitter adds a random delay in [0, Jitter) before each movement, so
	// completion order differs from dispatch order.
	Jitter time.Duration
	Seed   int64

	Hooks Hooks
}

// Hooks inject failures. A nil hook never fails.
type Hooks struct {
	Spawn        func(blueprint string) error
	SetTransform func(id backend.ActorID) bool
	Move         func(id backend.ActorID) error
	GetTransform func(id backend.ActorID) error
}

func DefaultOptions() Options {
	return Options{
		Blueprints: map[string]backend.Tag{},
		Radius: map[backend.Tag]float64{
			backend.TagAgent:  40,
			backend.TagFood:   30,
			backend.TagHazard: 30,
		},
		ArenaMin: mgl64.Vec2{0, -2000},
		ArenaMax: mgl64.Vec2{2000, 0},
	}
}

type arena struct {
	id     backend.ArenaID
	anchor mgl64.Vec3
	walls  geom.Rect
	blocks []geom.Rect
}

type actor struct {
	id        backend.ActorID
	arena     *arena
	tag       backend.Tag
	transform backend.Transform
	facing    mgl64.Vec2
}

type Sim struct {
	opts Options

	mu       sync.Mutex
	rng      *rand.Rand
	arenas   map[backend.ArenaID]*arena
	order    []*arena
	actors   map[backend.ActorID]*actor
	nextID   uint64
	console  []string
	rayCalls int
}

func New(opts Options) *Sim {
	def := DefaultOptions()
	if opts.Radius == nil {
		opts.Radius = def.Radius
	}
	if opts.Blueprints == nil {
		opts.Blueprints = def.Blueprints
	}
	if opts.ArenaMin == opts.ArenaMax {
		opts.ArenaMin, opts.ArenaMax = def.ArenaMin, def.ArenaMax
	}
	return &Sim{
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		arenas: map[backend.ArenaID]*arena{},
		actors: map[backend.ActorID]*actor{},
	}
}

var _ backend.Backend = (*Sim)(nil)

func (s *Sim) ResetLevel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arenas = map[backend.ArenaID]*arena{}
	s.order = nil
	s.actors = map[backend.ActorID]*actor{}
	return nil
}

func (s *Sim) LoadArena(ctx context.Context, levelPath string, anchor mgl64.Vec3) (backend.ArenaID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := &arena{
		id:     backend.ArenaID(fmt.Sprintf("ARENA_%d", s.nextID)),
		anchor: anchor,
		walls:  geom.NewRect(s.opts.ArenaMin.Add(anchor.Vec2()), s.opts.ArenaMax.Add(anchor.Vec2())),
	}
	for _, b := range s.opts.Obstacles {
		a.blocks = append(a.blocks, geom.NewRect(b.Min.Add(anchor.Vec2()), b.Max.Add(anchor.Vec2())))
	}
	s.arenas[a.id] = a
	s.order = append(s.order, a)
	return a.id, nil
}

func (s *Sim) DestroyActor(ctx context.Context, id backend.ActorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	delete(s.actors, id)
	return nil
}

func (s *Sim) SpawnActor(ctx context.Context, arenaID backend.ArenaID, blueprint string, t backend.Transform, timeout time.Duration) (backend.ActorID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h := s.opts.Hooks.Spawn; h != nil {
		if err := h(blueprint); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.arenas[arenaID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownArena, arenaID)
	}
	tag, ok := s.opts.Blueprints[blueprint]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBlueprint, blueprint)
	}
	s.nextID++
	id := backend.ActorID(fmt.Sprintf("%s_%06d", tag.Wire(), s.nextID))
	s.actors[id] = &actor{id: id, arena: a, tag: tag, transform: t, facing: mgl64.Vec2{1, 0}}
	return id, nil
}

func (s *Sim) SetTransform(ctx context.Context, id backend.ActorID, t backend.Transform) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if h := s.opts.Hooks.SetTransform; h != nil && !h(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return false, nil
	}
	a.transform = t
	return true, nil
}

func (s *Sim) GetTransform(ctx context.Context, id backend.ActorID) (backend.Transform, error) {
	if err := ctx.Err(); err != nil {
		return backend.Transform{}, err
	}
	if h := s.opts.Hooks.GetTransform; h != nil {
		if err := h(id); err != nil {
			return backend.Transform{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return backend.Transform{}, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	return a.transform, nil
}

func (s *Sim) MoveTowards(ctx context.Context, req backend.MoveRequest) (backend.MoveResult, error) {
	if d := s.jitter(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return backend.MoveResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return backend.MoveResult{}, err
	}
	if h := s.opts.Hooks.Move; h != nil {
		if err := h(req.Actor); err != nil {
			return backend.MoveResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[req.Actor]
	if !ok {
		return backend.MoveResult{}, fmt.Errorf("%w: %s", ErrUnknownActor, req.Actor)
	}
	from := a.transform.Location
	delta := req.Target.Vec2().Sub(from.Vec2())
	l := delta.Len()
	if l < 1e-9 {
		return backend.MoveResult{Location: from}, nil
	}
	u := delta.Mul(1 / l)
	if req.Orientation == backend.OrientationFaceMovement {
		a.facing = u
	}

	t, hit := s.sweep(a, from.Vec2(), u, l)
	end := from.Vec2().Add(u.Mul(math.Max(0, t-1e-6)))
	a.transform.Location = mgl64.Vec3{end[0], end[1], from[2]}
	return backend.MoveResult{Location: a.transform.Location, Hit: hit}, nil
}

// sweep moves a's circle along u and reports the first contact. Caller holds mu.
func (s *Sim) sweep(a *actor, p, u mgl64.Vec2, l float64) (float64, *backend.Hit) {
	r := s.opts.Radius[a.tag]
	best := l
	var hit *backend.Hit
	consider := func(t float64, n mgl64.Vec2, id backend.ActorID, tag backend.Tag) {
		if t < best || (hit == nil && t <= best) {
			best = t
			at := p.Add(u.Mul(t))
			hit = &backend.Hit{
				Actor:    id,
				Tag:      tag,
				Distance: t,
				Location: mgl64.Vec3{at[0], at[1], a.transform.Location[2]},
				Normal:   mgl64.Vec3{n[0], n[1], 0},
			}
		}
	}

	for _, o := range s.sortedActors(a.arena) {
		if o.id == a.id {
			continue
		}
		if t, n, ok := circleEntry(p, u, l, o.transform.Location.Vec2(), r+s.opts.Radius[o.tag]); ok {
			consider(t, n, o.id, o.tag)
		}
	}
	inner := grow(a.arena.walls, -r)
	if t, n, ok := rectExit(p, u, l, inner); ok {
		consider(t, n, wallID(a.arena), backend.TagWall)
	}
	for i, b := range a.arena.blocks {
		if t, n, ok := rectEntry(p, u, l, grow(b, r)); ok {
			consider(t, n, blockID(a.arena, i), backend.TagObstacle)
		}
	}
	return best, hit
}

func (s *Sim) RayTraceBatch(ctx context.Context, jobs []backend.RayJob, debugDraw bool) ([]backend.RayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rayCalls++
	out := make([]backend.RayResult, len(jobs))
	for i, job := range jobs {
		out[i] = s.trace(job)
	}
	return out, nil
}

func (s *Sim) trace(job backend.RayJob) backend.RayResult {
	p := job.Start.Vec2()
	delta := job.End.Vec2().Sub(p)
	l := delta.Len()
	if l < 1e-9 {
		return backend.RayResult{}
	}
	u := delta.Mul(1 / l)
	ar := s.arenaAt(p)
	if ar == nil {
		return backend.RayResult{}
	}
	ignore := make(map[backend.ActorID]bool, len(job.Ignore))
	for _, id := range job.Ignore {
		ignore[id] = true
	}

	var hits []backend.Hit
	add := func(t float64, n mgl64.Vec2, id backend.ActorID, tag backend.Tag) {
		at := p.Add(u.Mul(t))
		hits = append(hits, backend.Hit{
			Actor:    id,
			Tag:      tag,
			Distance: t,
			Location: mgl64.Vec3{at[0], at[1], job.Start[2]},
			Normal:   mgl64.Vec3{n[0], n[1], 0},
		})
	}
	for _, o := range s.sortedActors(ar) {
		if ignore[o.id] {
			continue
		}
		if t, n, ok := circleEntry(p, u, l, o.transform.Location.Vec2(), s.opts.Radius[o.tag]); ok {
			add(t, n, o.id, o.tag)
		}
	}
	if t, n, ok := rectExit(p, u, l, ar.walls); ok {
		add(t, n, wallID(ar), backend.TagWall)
	}
	for i, b := range ar.blocks {
		if t, n, ok := rectEntry(p, u, l, b); ok {
			add(t, n, blockID(ar, i), backend.TagObstacle)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return backend.RayResult{Hits: hits}
}

func (s *Sim) ExecConsoleCommand(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, cmd)
	return nil
}

func (s *Sim) Close() error { return nil }

// ActorCount reports the number of live actors, for tests and diagnostics.
func (s *Sim) ActorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// RayCalls reports how many RayTraceBatch calls were served.
func (s *Sim) RayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rayCalls
}

// Place moves an actor without collision checks.
func (s *Sim) Place(id backend.ActorID, loc mgl64.Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	a.transform.Location = loc
	return nil
}

func (s *Sim) jitter() time.Duration {
	if s.opts.Jitter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.opts.Jitter)))
}

func (s *Sim) arenaAt(p mgl64.Vec2) *arena {
	for _, a := range s.order {
		if a.walls.Contains(p) {
			return a
		}
	}
	return nil
}

// sortedActors lists an arena's actors by id so results are stable.
func (s *Sim) sortedActors(a *arena) []*actor {
	out := make([]*actor, 0, 32)
	for _, o := range s.actors {
		if o.arena == a {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func wallID(a *arena) backend.ActorID { return backend.ActorID(string(a.id) + "_WALL") }

func blockID(a *arena, i int) backend.ActorID {
	return backend.ActorID(fmt.Sprintf("%s_BLOCK_%d", a.id, i))
}
