package arena

import (
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/geom"
	"macs.ai/internal/sim/tuning"
)

// Rewards are per-agent components for one arena and tick, indexed like
// State.Agents.
type Rewards struct {
	Control []float64
	Food    []float64
	Poison  []float64
	Local   []float64
	Final   []float64
	Global  float64
}

// ComputeRewards scores one tick. Every food an agent touched pays the
// encounter reward; a food whose list reached nCoop also pays the supply
// reward to each of its agents.
func ComputeRewards(env tuning.Env, agents []backend.ActorID, st *Settlement, actions []Action) Rewards {
	n := len(agents)
	r := Rewards{
		Control: make([]float64, n),
		Food:    make([]float64, n),
		Poison:  make([]float64, n),
		Local:   make([]float64, n),
		Final:   make([]float64, n),
	}
	index := make(map[backend.ActorID]int, n)
	for i, id := range agents {
		index[id] = i
	}
	for i := range agents {
		if i < len(actions) {
			r.Control[i] = env.ThrustPenalty * actions[i].Clip().Norm()
		}
	}
	for el := st.Food.Front(); el != nil; el = el.Next() {
		captured := len(el.Value) >= env.NCoop
		for _, a := range el.Value {
			i, ok := index[a]
			if !ok {
				continue
			}
			r.Food[i] += env.EncounterReward
			if captured {
				r.Food[i] += env.SupplyReward
			}
		}
	}
	for el := st.Hazard.Front(); el != nil; el = el.Next() {
		for _, a := range el.Value {
			if i, ok := index[a]; ok {
				r.Poison[i] += env.HazardReward
			}
		}
	}
	if n == 0 {
		return r
	}
	sum := 0.0
	for i := range agents {
		r.Local[i] = r.Control[i] + r.Food[i] + r.Poison[i]
		sum += r.Local[i]
	}
	r.Global = sum / float64(n)
	for i := range agents {
		r.Final[i] = env.LocalRatio*r.Local[i] + (1-env.LocalRatio)*r.Global
	}
	return r
}

// markHits raises the per-agent collision flags from the settlement maps.
func markHits(s *State, st *Settlement) {
	for i, id := range s.Agents {
		if Contains(st.Food, id) {
			s.FoodHit[i] = true
		}
		if Contains(st.Hazard, id) {
			s.HazardHit[i] = true
		}
	}
}

// struggle bounces every food that was touched this tick, captured or not,
// against a fixed reference normal.
func struggle(rng *rand.Rand, s *State, st *Settlement, normal mgl64.Vec2, scatter float64) {
	for el := st.Food.Front(); el != nil; el = el.Next() {
		v := s.Velocity[el.Key]
		s.SetVelocity(el.Key, geom.BounceVelocity(rng, v, normal, scatter))
	}
}

// Captured lists the food whose settlement list reached nCoop.
func Captured(st *Settlement, nCoop int) []backend.ActorID {
	var out []backend.ActorID
	for el := st.Food.Front(); el != nil; el = el.Next() {
		if len(el.Value) >= nCoop {
			out = append(out, el.Key)
		}
	}
	return out
}

// HazardHits lists every hazard that registered a collision.
func HazardHits(st *Settlement) []backend.ActorID {
	var out []backend.ActorID
	for el := st.Hazard.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key)
	}
	return out
}
