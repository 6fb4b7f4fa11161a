package arena

import (
	"math/rand"
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/dispatch"
	"macs.ai/internal/sim/geom"
	"macs.ai/internal/sim/tuning"
)

// SettlementMap maps an entity to the distinct agents that touched it this
// tick, in resolution order.
type SettlementMap = orderedmap.OrderedMap[backend.ActorID, []backend.ActorID]

// Settlement holds one arena's food and hazard maps for one tick.
type Settlement struct {
	Food   *SettlementMap
	Hazard *SettlementMap
}

func NewSettlement() *Settlement {
	return &Settlement{
		Food:   orderedmap.NewOrderedMap[backend.ActorID, []backend.ActorID](),
		Hazard: orderedmap.NewOrderedMap[backend.ActorID, []backend.ActorID](),
	}
}

// record appends agent to entity's list unless it is already present or the
// list is full. The entity entry exists after the first contact even if the
// list could not grow.
func record(m *SettlementMap, entity, agent backend.ActorID, limit int) {
	list, _ := m.Get(entity)
	for _, a := range list {
		if a == agent {
			return
		}
	}
	if len(list) >= limit {
		return
	}
	m.Set(entity, append(list, agent))
}

// Contains reports whether agent appears in any list of m.
func Contains(m *SettlementMap, agent backend.ActorID) bool {
	for el := m.Front(); el != nil; el = el.Next() {
		for _, a := range el.Value {
			if a == agent {
				return true
			}
		}
	}
	return false
}

type resolver struct {
	nCoop   int
	scatter float64
	order   string
	rng     *rand.Rand
}

func newResolver(cfg tuning.Config, rng *rand.Rand) *resolver {
	return &resolver{
		nCoop:   cfg.Env.NCoop,
		scatter: cfg.Env.ScatterStrength,
		order:   cfg.Env.ResolutionOrder,
		rng:     rng,
	}
}

func (r *resolver) sort(rs []dispatch.TimedResult[backend.MoveResult]) {
	if r.order == tuning.ResolutionDispatch {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Index < rs[j].Index })
		return
	}
	dispatch.SortByCompletion(rs)
}

// resolve applies one arena's movement outcomes in resolution order. Failed
// moves leave the stored position untouched.
func (r *resolver) resolve(s *State, rs []dispatch.TimedResult[backend.MoveResult]) *Settlement {
	r.sort(rs)
	st := NewSettlement()
	for _, res := range rs {
		if !res.OK() {
			continue
		}
		id := backend.ActorID(res.Key)
		kind, ok := s.KindOf(id)
		if !ok {
			continue
		}
		s.SetPosition(id, res.Value.Location)
		if res.Value.Hit != nil {
			r.classify(s, st, id, kind, *res.Value.Hit)
		}
	}
	return st
}

func (r *resolver) classify(s *State, st *Settlement, mover backend.ActorID, kind Kind, hit backend.Hit) {
	struck, known := s.KindOf(hit.Actor)
	switch kind {
	case KindAgent:
		if !known {
			return
		}
		switch struck {
		case KindFood:
			record(st.Food, hit.Actor, mover, r.nCoop)
		case KindHazard:
			record(st.Hazard, hit.Actor, mover, 1)
		}
	case KindFood, KindHazard:
		if known && struck == KindAgent {
			if kind == KindFood {
				record(st.Food, mover, hit.Actor, r.nCoop)
			} else {
				record(st.Hazard, mover, hit.Actor, 1)
			}
			return
		}
		// Walls, obstacles and other entities deflect the mover.
		if hit.Tag.Static() || (known && struck != KindAgent) {
			v := s.Velocity[mover]
			s.SetVelocity(mover, geom.BounceVelocity(r.rng, v, hit.Normal.Vec2(), r.scatter))
		}
	}
}
