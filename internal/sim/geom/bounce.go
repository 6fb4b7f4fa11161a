package geom

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
)

const degenerateEps = 1e-6

// Reflect mirrors v against a surface with normal n (v' = v - 2(v·n)n).
// A velocity already leaving the surface, or a degenerate normal, is
// returned unchanged.
func Reflect(v, n mgl64.Vec2) mgl64.Vec2 {
	l := n.Len()
	if l < 1e-8 {
		return v
	}
	n = n.Mul(1 / l)
	d := v.Dot(n)
	if d >= 0 {
		return v
	}
	return v.Sub(n.Mul(2 * d))
}

// RandomUnit2 draws a direction from an isotropic gaussian.
func RandomUnit2(rng *rand.Rand) mgl64.Vec2 {
	for {
		v := mgl64.Vec2{rng.NormFloat64(), rng.NormFloat64()}
		if l := v.Len(); l > degenerateEps {
			return v.Mul(1 / l)
		}
	}
}

// BounceVelocity blends the specular reflection of v against n with a
// random unit direction. scatter 0 is pure reflection, 1 is pure noise. The
// result keeps the speed of v; a blend that cancels out falls back to the
// random direction.
func BounceVelocity(rng *rand.Rand, v, n mgl64.Vec2, scatter float64) mgl64.Vec2 {
	speed := v.Len()
	scatter = math.Max(0, math.Min(1, scatter))
	noise := RandomUnit2(rng)

	reflected := Reflect(v, n)
	if speed > 0 {
		reflected = reflected.Mul(1 / speed)
	}
	dir := reflected.Mul(1 - scatter).Add(noise.Mul(scatter))
	l := dir.Len()
	if l < degenerateEps {
		return noise.Mul(speed)
	}
	return dir.Mul(speed / l)
}

// GridAnchor places arena index on a ceil(sqrt(num)) column grid.
func GridAnchor(index, num int, spacing float64) mgl64.Vec3 {
	cols := int(math.Ceil(math.Sqrt(float64(num))))
	if cols < 1 {
		cols = 1
	}
	row := index / cols
	col := index % cols
	return mgl64.Vec3{float64(col) * spacing, float64(row) * spacing, 0}
}
