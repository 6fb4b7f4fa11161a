package geom

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

var ErrInvalidInput = errors.New("geom: invalid input")

// CircularRays returns numRays directions evenly spaced by 360/numRays
// degrees around the vertical axis. Ray 0 is forward itself. Every ray has
// length radius.
func CircularRays(forward mgl64.Vec3, numRays int, radius float64) ([]mgl64.Vec3, error) {
	n := forward.Len()
	if n == 0 {
		return nil, fmt.Errorf("%w: forward vector cannot be zero", ErrInvalidInput)
	}
	if numRays <= 0 {
		return nil, fmt.Errorf("%w: ray count must be > 0, got %d", ErrInvalidInput, numRays)
	}
	unit := forward.Mul(1 / n)
	step := mgl64.DegToRad(360.0 / float64(numRays))
	out := make([]mgl64.Vec3, numRays)
	for i := range out {
		out[i] = mgl64.Rotate3DZ(float64(i) * step).Mul3x1(unit).Mul(radius)
	}
	return out, nil
}
