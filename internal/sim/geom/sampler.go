package geom

import (
	"errors"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrNoSafeLocation is returned by callers that cannot proceed after
// SampleSafeLocation gave up.
var ErrNoSafeLocation = errors.New("geom: no safe location found")

// DefaultMaxRetries caps rejection sampling in SampleSafeLocation.
const DefaultMaxRetries = 100

// Rect is an axis-aligned rectangle on the ground plane. Bounds are inclusive.
type Rect struct {
	Min mgl64.Vec2
	Max mgl64.Vec2
}

// NewRect builds a rectangle from two opposite corners given in any order.
func NewRect(a, b mgl64.Vec2) Rect {
	r := Rect{Min: a, Max: b}
	for i := 0; i < 2; i++ {
		if r.Min[i] > r.Max[i] {
			r.Min[i], r.Max[i] = r.Max[i], r.Min[i]
		}
	}
	return r
}

func (r Rect) Contains(p mgl64.Vec2) bool {
	return p[0] >= r.Min[0] && p[0] <= r.Max[0] && p[1] >= r.Min[1] && p[1] <= r.Max[1]
}

// Bounds is the sampling area: X[0] <= x <= X[1], Y[0] <= y <= Y[1].
type Bounds struct {
	X [2]float64
	Y [2]float64
}

func (b Bounds) Contains(p mgl64.Vec2) bool {
	return p[0] >= b.X[0] && p[0] <= b.X[1] && p[1] >= b.Y[0] && p[1] <= b.Y[1]
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// SampleSafeLocation draws a point uniformly from b that lies outside every
// blocked rectangle. It gives up after maxRetries draws (DefaultMaxRetries
// when maxRetries <= 0) and reports ok=false.
func SampleSafeLocation(rng *rand.Rand, b Bounds, blocked []Rect, maxRetries int) (p mgl64.Vec2, ok bool) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for i := 0; i < maxRetries; i++ {
		c := mgl64.Vec2{uniform(rng, b.X[0], b.X[1]), uniform(rng, b.Y[0], b.Y[1])}
		if !inAny(c, blocked) {
			return c, true
		}
	}
	return mgl64.Vec2{}, false
}

func inAny(p mgl64.Vec2, rects []Rect) bool {
	for _, r := range rects {
		if r.Contains(p) {
			return true
		}
	}
	return false
}
