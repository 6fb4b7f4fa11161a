package memsim

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"macs.ai/internal/sim/geom"
)

// Segment tests take an origin p, a unit direction u and a length l, and
// return the travel distance t at first contact.

// circleEntry finds where a point moving along u first comes within radius
// of c. A start inside the circle counts as contact at t=0.
func circleEntry(p, u mgl64.Vec2, l float64, c mgl64.Vec2, radius float64) (float64, mgl64.Vec2, bool) {
	m := p.Sub(c)
	b := m.Dot(u)
	cc := m.Dot(m) - radius*radius
	if cc <= 0 {
		if b >= 0 && l > 0 {
			// Overlapping but already separating.
			return 0, mgl64.Vec2{}, false
		}
		return 0, normalOr(m, u.Mul(-1)), true
	}
	if b > 0 {
		return 0, mgl64.Vec2{}, false
	}
	disc := b*b - cc
	if disc < 0 {
		return 0, mgl64.Vec2{}, false
	}
	t := -b - math.Sqrt(disc)
	if t < 0 || t > l {
		return 0, mgl64.Vec2{}, false
	}
	at := p.Add(u.Mul(t))
	return t, normalOr(at.Sub(c), u.Mul(-1)), true
}

// rectEntry finds where a point moving along u enters r. A start inside r
// never counts as contact.
func rectEntry(p, u mgl64.Vec2, l float64, r geom.Rect) (float64, mgl64.Vec2, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	axis := -1
	for i := 0; i < 2; i++ {
		if math.Abs(u[i]) < 1e-12 {
			if p[i] < r.Min[i] || p[i] > r.Max[i] {
				return 0, mgl64.Vec2{}, false
			}
			continue
		}
		t1 := (r.Min[i] - p[i]) / u[i]
		t2 := (r.Max[i] - p[i]) / u[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
			axis = i
		}
		tmax = math.Min(tmax, t2)
	}
	if tmin > tmax || tmax < 0 || tmin > l {
		return 0, mgl64.Vec2{}, false
	}
	if tmin < 0 {
		// Starting inside: let the mover leave.
		return 0, mgl64.Vec2{}, false
	}
	var n mgl64.Vec2
	if axis >= 0 {
		n[axis] = -math.Copysign(1, u[axis])
	}
	return tmin, n, true
}

// rectExit finds where a point inside r moving along u leaves it.
func rectExit(p, u mgl64.Vec2, l float64, r geom.Rect) (float64, mgl64.Vec2, bool) {
	best := math.Inf(1)
	axis := -1
	for i := 0; i < 2; i++ {
		if math.Abs(u[i]) < 1e-12 {
			continue
		}
		edge := r.Max[i]
		if u[i] < 0 {
			edge = r.Min[i]
		}
		t := (edge - p[i]) / u[i]
		if t < best {
			best = t
			axis = i
		}
	}
	if axis < 0 || best > l {
		return 0, mgl64.Vec2{}, false
	}
	if best < 0 {
		best = 0
	}
	var n mgl64.Vec2
	n[axis] = -math.Copysign(1, u[axis])
	return best, n, true
}

func grow(r geom.Rect, d float64) geom.Rect {
	return geom.Rect{
		Min: r.Min.Sub(mgl64.Vec2{d, d}),
		Max: r.Max.Add(mgl64.Vec2{d, d}),
	}
}

func normalOr(v, fallback mgl64.Vec2) mgl64.Vec2 {
	if l := v.Len(); l > 1e-12 {
		return v.Mul(1 / l)
	}
	return fallback
}
