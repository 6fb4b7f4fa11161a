package arena

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// StateDigest fingerprints an arena's dynamic state by actor slot rather
// than by actor id, so two runs with the same seed and action stream
// compare equal even when the backend hands out ids in a different order.
func StateDigest(s *State) string {
	h := xxh3.New()
	var tmp [8]byte

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		_, _ = h.Write(tmp[:])
	}
	writeF := func(vs ...float64) {
		for _, v := range vs {
			writeU64(math.Float64bits(v))
		}
	}

	writeU64(uint64(s.Steps))
	for _, id := range s.Actors() {
		kind, _ := s.KindOf(id)
		writeU64(uint64(kind))
		p := s.Position[id]
		writeF(p[0], p[1], p[2])
		v := s.Velocity[id]
		writeF(v[0], v[1])
		f := s.Facing[id]
		writeF(f[0], f[1], f[2])
	}
	for a := range s.Agents {
		var flags uint64
		if s.FoodHit[a] {
			flags |= 1
		}
		if s.HazardHit[a] {
			flags |= 2
		}
		writeU64(flags)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
