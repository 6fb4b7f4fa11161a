package arena

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
)

// Kind classifies the actors an arena owns.
type Kind int

const (
	KindAgent Kind = iota + 1
	KindFood
	KindHazard
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindFood:
		return "food"
	case KindHazard:
		return "hazard"
	default:
		return "unknown"
	}
}

// AgentName is the trainer-facing name of agent i.
func AgentName(i int) string { return fmt.Sprintf("pursuer_%d", i) }

// State is everything the coordinator knows about one arena. The id lists
// are fixed at spawn time; everything else changes per tick.
type State struct {
	Index  int
	ID     backend.ArenaID
	Anchor mgl64.Vec3

	Agents  []backend.ActorID
	Food    []backend.ActorID
	Hazards []backend.ActorID

	Position map[backend.ActorID]mgl64.Vec3
	Velocity map[backend.ActorID]mgl64.Vec2
	Facing   map[backend.ActorID]mgl64.Vec3

	Steps int

	// Collision flags for the current tick, keyed by agent index.
	FoodHit   map[int]bool
	HazardHit map[int]bool

	kinds      map[backend.ActorID]Kind
	agentIndex map[backend.ActorID]int
}

func newState(index int, id backend.ArenaID, anchor mgl64.Vec3) *State {
	s := &State{Index: index, ID: id, Anchor: anchor}
	s.clearDynamic()
	s.kinds = map[backend.ActorID]Kind{}
	s.agentIndex = map[backend.ActorID]int{}
	return s
}

func (s *State) clearDynamic() {
	s.Steps = 0
	s.Position = map[backend.ActorID]mgl64.Vec3{}
	s.Velocity = map[backend.ActorID]mgl64.Vec2{}
	s.Facing = map[backend.ActorID]mgl64.Vec3{}
	s.ClearFlags()
}

// ClearFlags drops the per-tick collision flags.
func (s *State) ClearFlags() {
	s.FoodHit = map[int]bool{}
	s.HazardHit = map[int]bool{}
}

// dynamicState holds the per-episode maps of a State. SoftReset swaps in
// fresh maps, so a saved copy stays intact.
type dynamicState struct {
	steps     int
	position  map[backend.ActorID]mgl64.Vec3
	velocity  map[backend.ActorID]mgl64.Vec2
	facing    map[backend.ActorID]mgl64.Vec3
	foodHit   map[int]bool
	hazardHit map[int]bool
}

func (s *State) saveDynamic() dynamicState {
	return dynamicState{
		steps:     s.Steps,
		position:  s.Position,
		velocity:  s.Velocity,
		facing:    s.Facing,
		foodHit:   s.FoodHit,
		hazardHit: s.HazardHit,
	}
}

func (s *State) restoreDynamic(d dynamicState) {
	s.Steps = d.steps
	s.Position = d.position
	s.Velocity = d.velocity
	s.Facing = d.facing
	s.FoodHit = d.foodHit
	s.HazardHit = d.hazardHit
}

// SoftReset clears the step counter, motion state and flags but keeps the
// actor id lists.
func (s *State) SoftReset() { s.clearDynamic() }

func (s *State) addActor(id backend.ActorID, k Kind) {
	s.kinds[id] = k
	switch k {
	case KindAgent:
		s.agentIndex[id] = len(s.Agents)
		s.Agents = append(s.Agents, id)
	case KindFood:
		s.Food = append(s.Food, id)
	case KindHazard:
		s.Hazards = append(s.Hazards, id)
	}
}

// KindOf reports the kind of an actor owned by this arena.
func (s *State) KindOf(id backend.ActorID) (Kind, bool) {
	k, ok := s.kinds[id]
	return k, ok
}

// AgentIndex maps an agent id to its position in Agents.
func (s *State) AgentIndex(id backend.ActorID) (int, bool) {
	i, ok := s.agentIndex[id]
	return i, ok
}

// Names maps agent names to actor ids.
func (s *State) Names() map[string]backend.ActorID {
	out := make(map[string]backend.ActorID, len(s.Agents))
	for i, id := range s.Agents {
		out[AgentName(i)] = id
	}
	return out
}

// Actors lists agents, food and hazards in that order.
func (s *State) Actors() []backend.ActorID {
	out := make([]backend.ActorID, 0, len(s.Agents)+len(s.Food)+len(s.Hazards))
	out = append(out, s.Agents...)
	out = append(out, s.Food...)
	return append(out, s.Hazards...)
}

func (s *State) SetPosition(id backend.ActorID, p mgl64.Vec3) { s.Position[id] = p }
func (s *State) SetVelocity(id backend.ActorID, v mgl64.Vec2) { s.Velocity[id] = v }
func (s *State) SetFacing(id backend.ActorID, f mgl64.Vec3)   { s.Facing[id] = f }

// Store owns the per-arena records, indexed by arena number.
type Store struct {
	Arenas []*State
}

// Reinit drops every arena record.
func (st *Store) Reinit() { st.Arenas = nil }

func (st *Store) add(id backend.ArenaID, anchor mgl64.Vec3) *State {
	s := newState(len(st.Arenas), id, anchor)
	st.Arenas = append(st.Arenas, s)
	return s
}

func (st *Store) Get(i int) (*State, error) {
	if i < 0 || i >= len(st.Arenas) {
		return nil, fmt.Errorf("%w: %d", ErrArenaIndex, i)
	}
	return st.Arenas[i], nil
}
