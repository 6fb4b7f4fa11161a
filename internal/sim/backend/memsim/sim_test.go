package memsim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/geom"
)

func newTestSim(t *testing.T, opts Options) (*Sim, backend.ArenaID) {
	t.Helper()
	opts.Blueprints = map[string]backend.Tag{
		"agent":  backend.TagAgent,
		"food":   backend.TagFood,
		"hazard": backend.TagHazard,
	}
	s := New(opts)
	id, err := s.LoadArena(context.Background(), "level", mgl64.Vec3{})
	if err != nil {
		t.Fatalf("load arena: %v", err)
	}
	return s, id
}

func spawn(t *testing.T, s *Sim, a backend.ArenaID, bp string, x, y float64) backend.ActorID {
	t.Helper()
	id, err := s.SpawnActor(context.Background(), a, bp, backend.At(mgl64.Vec3{x, y, 0}), 0)
	if err != nil {
		t.Fatalf("spawn %s: %v", bp, err)
	}
	return id
}

func TestMoveTowards_FreePath(t *testing.T) {
	s, a := newTestSim(t, Options{})
	id := spawn(t, s, a, "agent", 500, -500)

	res, err := s.MoveTowards(context.Background(), backend.MoveRequest{Actor: id, Target: mgl64.Vec3{700, -500, 0}})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Hit != nil {
		t.Fatalf("unexpected hit: %+v", res.Hit)
	}
	if math.Abs(res.Location[0]-700) > 1e-3 {
		t.Fatalf("location=%v", res.Location)
	}
}

func TestMoveTowards_StopsAtActor(t *testing.T) {
	s, a := newTestSim(t, Options{})
	ag := spawn(t, s, a, "agent", 500, -500)
	food := spawn(t, s, a, "food", 700, -500)

	res, err := s.MoveTowards(context.Background(), backend.MoveRequest{Actor: ag, Target: mgl64.Vec3{900, -500, 0}})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Hit == nil || res.Hit.Actor != food || res.Hit.Tag != backend.TagFood {
		t.Fatalf("hit=%+v", res.Hit)
	}
	// Agent radius 40 + food radius 30.
	if math.Abs(res.Hit.Distance-130) > 1e-6 {
		t.Fatalf("distance=%v", res.Hit.Distance)
	}
	if !res.Hit.Normal.ApproxEqualThreshold(mgl64.Vec3{-1, 0, 0}, 1e-9) {
		t.Fatalf("normal=%v", res.Hit.Normal)
	}
}

func TestMoveTowards_StopsAtWall(t *testing.T) {
	s, a := newTestSim(t, Options{})
	id := spawn(t, s, a, "hazard", 1900, -500)

	res, err := s.MoveTowards(context.Background(), backend.MoveRequest{Actor: id, Target: mgl64.Vec3{2500, -500, 0}})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Hit == nil || res.Hit.Tag != backend.TagWall {
		t.Fatalf("hit=%+v", res.Hit)
	}
	if res.Location[0] > 2000-30 {
		t.Fatalf("went through wall: %v", res.Location)
	}
}

func TestMoveTowards_StopsAtObstacle(t *testing.T) {
	s, a := newTestSim(t, Options{Obstacles: []geom.Rect{geom.NewRect(mgl64.Vec2{1000, -600}, mgl64.Vec2{1100, -400})}})
	id := spawn(t, s, a, "agent", 800, -500)

	res, err := s.MoveTowards(context.Background(), backend.MoveRequest{Actor: id, Target: mgl64.Vec3{1200, -500, 0}})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Hit == nil || res.Hit.Tag != backend.TagObstacle {
		t.Fatalf("hit=%+v", res.Hit)
	}
	if math.Abs(res.Hit.Distance-160) > 1e-6 {
		t.Fatalf("distance=%v", res.Hit.Distance)
	}
}

func TestRayTraceBatch_OrdersAndIgnores(t *testing.T) {
	s, a := newTestSim(t, Options{})
	self := spawn(t, s, a, "agent", 500, -500)
	near := spawn(t, s, a, "food", 700, -500)
	far := spawn(t, s, a, "hazard", 900, -500)

	out, err := s.RayTraceBatch(context.Background(), []backend.RayJob{{
		Start:  mgl64.Vec3{500, -500, 0},
		End:    mgl64.Vec3{1000, -500, 0},
		Ignore: []backend.ActorID{self},
	}}, false)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	hits := out[0].Hits
	if len(hits) != 2 || hits[0].Actor != near || hits[1].Actor != far {
		t.Fatalf("hits=%+v", hits)
	}
	if math.Abs(hits[0].Distance-170) > 1e-6 {
		t.Fatalf("distance=%v", hits[0].Distance)
	}
}

func TestRayTraceBatch_WallHit(t *testing.T) {
	s, _ := newTestSim(t, Options{})
	out, err := s.RayTraceBatch(context.Background(), []backend.RayJob{{
		Start: mgl64.Vec3{1800, -500, 0},
		End:   mgl64.Vec3{2300, -500, 0},
	}}, false)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(out[0].Hits) != 1 || out[0].Hits[0].Tag != backend.TagWall || math.Abs(out[0].Hits[0].Distance-200) > 1e-6 {
		t.Fatalf("hits=%+v", out[0].Hits)
	}
}

func TestSetTransform_HookAndUnknown(t *testing.T) {
	s, a := newTestSim(t, Options{})
	id := spawn(t, s, a, "food", 100, -100)
	ok, err := s.SetTransform(context.Background(), "missing", backend.At(mgl64.Vec3{}))
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	s.opts.Hooks.SetTransform = func(backend.ActorID) bool { return false }
	if ok, _ := s.SetTransform(context.Background(), id, backend.At(mgl64.Vec3{1, 1, 0})); ok {
		t.Fatalf("hook should have refused")
	}
}

func TestSpawnActor_Errors(t *testing.T) {
	s, a := newTestSim(t, Options{})
	if _, err := s.SpawnActor(context.Background(), a, "nope", backend.At(mgl64.Vec3{}), 0); !errors.Is(err, ErrUnknownBlueprint) {
		t.Fatalf("err=%v", err)
	}
	if _, err := s.SpawnActor(context.Background(), "ARENA_X", "food", backend.At(mgl64.Vec3{}), 0); !errors.Is(err, ErrUnknownArena) {
		t.Fatalf("err=%v", err)
	}
}

func TestResetLevel_ClearsActors(t *testing.T) {
	s, a := newTestSim(t, Options{})
	spawn(t, s, a, "food", 100, -100)
	if err := s.ResetLevel(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.ActorCount() != 0 {
		t.Fatalf("actors=%d", s.ActorCount())
	}
}
