package arena

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/tuning"
)

func TestObsLayout_Dimensions(t *testing.T) {
	env := tuning.Defaults().Env
	l := NewObsLayout(env)
	if l.SensorDim != 9 || l.Dim != 9*env.NSensors+2 {
		t.Fatalf("sensor dim=%d dim=%d", l.SensorDim, l.Dim)
	}
	if got := l.Offset(2, backend.TagWall); got != 2*9+7 {
		t.Fatalf("wall offset=%d", got)
	}
	if got := l.Offset(0, backend.TagUnknown); got != -1 {
		t.Fatalf("unknown offset=%d", got)
	}

	env.SpeedFeatures = false
	l = NewObsLayout(env)
	if l.SensorDim != 7 || l.Dim != 7*env.NSensors+2 {
		t.Fatalf("no-speed sensor dim=%d dim=%d", l.SensorDim, l.Dim)
	}
}

func TestDecode_NoHitsIsAllMinusOne(t *testing.T) {
	env := tuning.Defaults().Env
	env.NSensors = 4
	l := NewObsLayout(env)
	s := testArena(1, 0, 0)
	obs := l.decode(s, 0, make([]backend.RayResult, 4), make([]mgl64.Vec3, 4))
	if len(obs) != l.Dim {
		t.Fatalf("len=%d", len(obs))
	}
	for i, v := range obs {
		if v != -1 {
			t.Fatalf("obs[%d]=%v", i, v)
		}
	}
}

func TestDecode_NearestHitPerCategory(t *testing.T) {
	env := tuning.Defaults().Env
	env.NSensors = 1
	env.SensorRange = 500
	l := NewObsLayout(env)

	s := testArena(2, 2, 0)
	s.SetFacing("a1", mgl64.Vec3{0, 1, 0})
	s.SetVelocity("f0", mgl64.Vec2{0.3, 0.4})
	s.SetVelocity("f1", mgl64.Vec2{-1, 0})
	s.FoodHit[0] = true

	ray := mgl64.Vec3{500, 0, 0}
	res := backend.RayResult{Hits: []backend.Hit{
		{Actor: "a1", Tag: backend.TagAgent, Distance: 100},
		{Actor: "f0", Tag: backend.TagFood, Distance: 250},
		{Actor: "f1", Tag: backend.TagFood, Distance: 300},
		{Actor: "W", Tag: backend.TagWall, Distance: 900},
	}}
	obs := l.decode(s, 0, []backend.RayResult{res}, []mgl64.Vec3{ray})

	near := func(got, want float64) bool { return math.Abs(got-want) < 1e-6 }
	a := l.Offset(0, backend.TagAgent)
	if !near(obs[a], 0.2) || obs[a+1] != 0 || obs[a+2] != 1 {
		t.Fatalf("agent slot=%v", obs[a:a+3])
	}
	f := l.Offset(0, backend.TagFood)
	if !near(obs[f], 0.5) || !near(obs[f+1], 0.3) {
		t.Fatalf("food slot=%v", obs[f:f+2])
	}
	if h := l.Offset(0, backend.TagHazard); obs[h] != -1 || obs[h+1] != -1 {
		t.Fatalf("hazard slot=%v", obs[h:h+2])
	}
	if w := l.Offset(0, backend.TagWall); obs[w] != 1 {
		t.Fatalf("wall distance not clamped: %v", obs[w])
	}
	if o := l.Offset(0, backend.TagObstacle); obs[o] != -1 {
		t.Fatalf("obstacle slot=%v", obs[o])
	}
	if obs[l.FoodFlag()] != 1 || obs[l.HazardFlag()] != -1 {
		t.Fatalf("flags=%v %v", obs[l.FoodFlag()], obs[l.HazardFlag()])
	}
}

func TestBuildJobs_OffsetsAndIgnoreSelf(t *testing.T) {
	env := tuning.Defaults().Env
	env.NSensors = 3
	l := NewObsLayout(env)
	a := testArena(2, 0, 0)
	b := testArena(1, 0, 0)
	for _, s := range []*State{a, b} {
		for _, id := range s.Agents {
			s.SetFacing(id, mgl64.Vec3{1, 0, 0})
			s.SetPosition(id, mgl64.Vec3{10, 20, 0})
		}
	}
	rb, err := l.buildJobs([]*State{a, b})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(rb.jobs) != 9 || rb.offsets[0] != 0 || rb.offsets[1] != 6 {
		t.Fatalf("jobs=%d offsets=%v", len(rb.jobs), rb.offsets)
	}
	j := rb.jobs[3]
	if len(j.Ignore) != 1 || j.Ignore[0] != "a1" {
		t.Fatalf("ignore=%v", j.Ignore)
	}
	if !j.End.Sub(j.Start).ApproxEqualThreshold(mgl64.Vec3{env.SensorRange, 0, 0}, 1e-9) {
		t.Fatalf("first ray=%v", j.End.Sub(j.Start))
	}
}

func TestBuildJobs_ZeroFacingFails(t *testing.T) {
	l := NewObsLayout(tuning.Defaults().Env)
	s := testArena(1, 0, 0)
	if _, err := l.buildJobs([]*State{s}); err == nil {
		t.Fatalf("expected error for zero facing")
	}
}
