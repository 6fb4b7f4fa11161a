package arena

import (
	"context"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/geom"
	"macs.ai/internal/sim/tuning"
)

const rayEps = 1e-8

// ObsLayout fixes where each sensor feature lives in an observation vector.
// It depends only on configuration.
type ObsLayout struct {
	Sensors   int
	Range     float64
	SensorDim int
	Dim       int
	// Speed reports whether food and hazard slots carry a velocity
	// projection after the distance.
	Speed bool

	offsets map[backend.Tag]int
	widths  map[backend.Tag]int
}

// featureOrder is the sub-slot order inside one sensor.
var featureOrder = []backend.Tag{
	backend.TagAgent,
	backend.TagFood,
	backend.TagHazard,
	backend.TagWall,
	backend.TagObstacle,
}

func NewObsLayout(env tuning.Env) ObsLayout {
	l := ObsLayout{
		Sensors: env.NSensors,
		Range:   env.SensorRange,
		Speed:   env.SpeedFeatures,
		offsets: map[backend.Tag]int{},
		widths:  map[backend.Tag]int{},
	}
	entity := 1
	if env.SpeedFeatures {
		entity = 2
	}
	widths := map[backend.Tag]int{
		backend.TagAgent:    3, // distance, facing x, facing y
		backend.TagFood:     entity,
		backend.TagHazard:   entity,
		backend.TagWall:     1,
		backend.TagObstacle: 1,
	}
	off := 0
	for _, tag := range featureOrder {
		l.offsets[tag] = off
		l.widths[tag] = widths[tag]
		off += widths[tag]
	}
	l.SensorDim = off
	l.Dim = l.SensorDim*l.Sensors + 2
	return l
}

// Offset is the index of tag's first feature for sensor k, or -1 for tags
// without a slot.
func (l ObsLayout) Offset(k int, tag backend.Tag) int {
	o, ok := l.offsets[tag]
	if !ok {
		return -1
	}
	return k*l.SensorDim + o
}

func (l ObsLayout) FoodFlag() int   { return l.Dim - 2 }
func (l ObsLayout) HazardFlag() int { return l.Dim - 1 }

// Blank returns an observation with every slot set to -1.
func (l ObsLayout) Blank() []float64 {
	out := make([]float64, l.Dim)
	for i := range out {
		out[i] = -1
	}
	return out
}

// rayBatch is the combined job list for several arenas. offsets[i] is where
// arena i's jobs start; each agent owns Sensors consecutive jobs.
type rayBatch struct {
	jobs    []backend.RayJob
	dirs    []mgl64.Vec3
	offsets []int
}

func (l ObsLayout) buildJobs(arenas []*State) (rayBatch, error) {
	var rb rayBatch
	rb.offsets = make([]int, len(arenas))
	for ai, s := range arenas {
		rb.offsets[ai] = len(rb.jobs)
		for _, id := range s.Agents {
			pos := s.Position[id]
			rays, err := geom.CircularRays(s.Facing[id], l.Sensors, l.Range)
			if err != nil {
				return rayBatch{}, fmt.Errorf("agent %s: %w", id, err)
			}
			for _, r := range rays {
				rb.jobs = append(rb.jobs, backend.RayJob{
					Start:  pos,
					End:    pos.Add(r),
					Ignore: []backend.ActorID{id},
				})
				rb.dirs = append(rb.dirs, r)
			}
		}
	}
	return rb, nil
}

// decode fills one agent's observation from its slice of ray results.
func (l ObsLayout) decode(s *State, agent int, results []backend.RayResult, dirs []mgl64.Vec3) []float64 {
	obs := l.Blank()
	for k := 0; k < l.Sensors && k < len(results); k++ {
		seen := map[backend.Tag]bool{}
		ray := dirs[k].Vec2()
		for _, h := range results[k].Hits {
			o := l.Offset(k, h.Tag)
			if o < 0 || seen[h.Tag] {
				continue
			}
			seen[h.Tag] = true
			obs[o] = clamp(h.Distance/(l.Range+rayEps), 0, 1)
			switch h.Tag {
			case backend.TagAgent:
				if f, ok := s.Facing[h.Actor]; ok {
					obs[o+1], obs[o+2] = f[0], f[1]
				}
			case backend.TagFood, backend.TagHazard:
				if !l.Speed {
					continue
				}
				if v, ok := s.Velocity[h.Actor]; ok {
					obs[o+1] = v.Dot(ray) / (ray.Len() + rayEps)
				}
			}
		}
	}
	if s.FoodHit[agent] {
		obs[l.FoodFlag()] = 1
	}
	if s.HazardHit[agent] {
		obs[l.HazardFlag()] = 1
	}
	return obs
}

// observe ray-traces every agent of the given arenas in one backend call and
// returns per-arena observations keyed by agent name.
func (l ObsLayout) observe(ctx context.Context, b backend.Backend, arenas []*State) ([]map[string][]float64, error) {
	rb, err := l.buildJobs(arenas)
	if err != nil {
		return nil, err
	}
	results, err := b.RayTraceBatch(ctx, rb.jobs, false)
	if err != nil {
		return nil, fmt.Errorf("ray trace: %w", err)
	}
	if len(results) != len(rb.jobs) {
		return nil, fmt.Errorf("ray trace: got %d results for %d jobs", len(results), len(rb.jobs))
	}
	out := make([]map[string][]float64, len(arenas))
	for ai, s := range arenas {
		out[ai] = make(map[string][]float64, len(s.Agents))
		for i := range s.Agents {
			lo := rb.offsets[ai] + i*l.Sensors
			hi := lo + l.Sensors
			out[ai][AgentName(i)] = l.decode(s, i, results[lo:hi], rb.dirs[lo:hi])
		}
	}
	return out, nil
}

// Space describes a box-shaped observation or action space.
type Space struct {
	Shape []int   `json:"shape"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

type Spaces struct {
	Observation Space `json:"observation"`
	Action      Space `json:"action"`
}

func (l ObsLayout) Spaces() Spaces {
	return Spaces{
		Observation: Space{Shape: []int{l.Dim}, Low: -math.MaxFloat32, High: math.MaxFloat32},
		Action:      Space{Shape: []int{2}, Low: -1, High: 1},
	}
}
