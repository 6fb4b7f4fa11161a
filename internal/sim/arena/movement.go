package arena

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/backend"
	"macs.ai/internal/sim/dispatch"
	"macs.ai/internal/sim/tuning"
)

// Action is one agent's 2-D thrust. Components are clipped to [-1, 1].
type Action [2]float64

func (a Action) Clip() Action {
	return Action{clamp(a[0], -1, 1), clamp(a[1], -1, 1)}
}

func (a Action) Norm() float64 { return math.Hypot(a[0], a[1]) }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// moveMeta ties a dispatched movement back to its arena and actor.
type moveMeta struct {
	arena int
	actor backend.ActorID
	kind  Kind
}

type moveBatch struct {
	cmds []dispatch.Command[backend.MoveResult]
	meta []moveMeta
}

// moveResults groups one arena's movement outcomes.
type moveResults struct {
	arena   int
	results []dispatch.TimedResult[backend.MoveResult]
}

// planner builds movement commands. It runs single-threaded before dispatch
// and is the only consumer of the steering rng.
type planner struct {
	b   backend.Backend
	cfg tuning.Config
	rng *rand.Rand
}

// agentTarget turns an action into a target location and a new facing. A
// near-zero action keeps the previous facing.
func agentTarget(pos, facing mgl64.Vec3, a Action, multiplier float64) (mgl64.Vec3, mgl64.Vec3) {
	c := a.Clip()
	target := mgl64.Vec3{pos[0] + c[0]*multiplier, pos[1] + c[1]*multiplier, pos[2]}
	dir := mgl64.Vec3{c[0], c[1], 0}
	if l := dir.Len(); l > 1e-8 {
		facing = dir.Mul(1 / l)
	}
	return target, facing
}

// steer perturbs an entity velocity with gaussian noise and renormalizes it
// to speed.
func steer(rng *rand.Rand, v mgl64.Vec2, steering, speed float64) mgl64.Vec2 {
	n := mgl64.Vec2{rng.NormFloat64(), rng.NormFloat64()}
	out := v.Add(n.Mul(steering))
	l := out.Len()
	if l < 1e-8 {
		return v
	}
	return out.Mul(speed / l)
}

func (p *planner) speedOf(k Kind) float64 {
	if k == KindFood {
		return p.cfg.Env.FoodSpeed
	}
	return p.cfg.Env.HazardSpeed
}

// plan builds one movement command per actor of every arena, in the order
// agents, food, hazards. Agent facings are updated in place.
func (p *planner) plan(arenas []*State, actions [][]Action) moveBatch {
	var mb moveBatch
	mult := p.cfg.Layout.ActionMultiplier
	for ai, s := range arenas {
		for i, id := range s.Agents {
			target, facing := agentTarget(s.Position[id], s.Facing[id], actions[ai][i], mult)
			s.SetFacing(id, facing)
			mb.add(p.moveCommand(id, target, p.cfg.Motion.AgentMoveTimeout(), backend.OrientationFaceMovement), moveMeta{arena: ai, actor: id, kind: KindAgent})
		}
		for _, k := range []Kind{KindFood, KindHazard} {
			ids := s.Food
			if k == KindHazard {
				ids = s.Hazards
			}
			for _, id := range ids {
				v := steer(p.rng, s.Velocity[id], p.cfg.Env.SteeringStrength, p.speedOf(k))
				s.SetVelocity(id, v)
				pos := s.Position[id]
				target := mgl64.Vec3{pos[0] + v[0]*mult, pos[1] + v[1]*mult, pos[2]}
				mb.add(p.moveCommand(id, target, p.cfg.Motion.EntityMoveTimeout(), backend.OrientationKeep), moveMeta{arena: ai, actor: id, kind: k})
			}
		}
	}
	return mb
}

func (mb *moveBatch) add(c dispatch.Command[backend.MoveResult], m moveMeta) {
	mb.cmds = append(mb.cmds, c)
	mb.meta = append(mb.meta, m)
}

func (p *planner) moveCommand(id backend.ActorID, target mgl64.Vec3, timeout time.Duration, mode backend.OrientationMode) dispatch.Command[backend.MoveResult] {
	b := p.b
	req := backend.MoveRequest{
		Actor:       id,
		Target:      target,
		Timeout:     timeout,
		Orientation: mode,
		Speed:       p.cfg.Motion.MoveSpeed,
	}
	return dispatch.Command[backend.MoveResult]{
		Key:     string(id),
		Timeout: timeout,
		Run: func(ctx context.Context) (backend.MoveResult, error) {
			return b.MoveTowards(ctx, req)
		},
	}
}

// runMoves dispatches the batch and partitions results by arena. Each arena
// must get back exactly one result per actor it owns.
func runMoves(ctx context.Context, arenas []*State, mb moveBatch) ([]moveResults, error) {
	rs := dispatch.DispatchBatch(ctx, mb.cmds)
	out := make([]moveResults, len(arenas))
	for i := range out {
		out[i].arena = i
	}
	for _, r := range rs {
		m := mb.meta[r.Index]
		out[m.arena].results = append(out[m.arena].results, r)
	}
	for i, s := range arenas {
		want := len(s.Agents) + len(s.Food) + len(s.Hazards)
		if got := len(out[i].results); got != want {
			return nil, fmt.Errorf("%w: arena %d got %d want %d", ErrResultCountMismatch, i, got, want)
		}
	}
	return out, nil
}
