package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Tag classifies an actor once, at decode time.
type Tag uint8

const (
	TagUnknown Tag = iota
	TagAgent
	TagFood
	TagHazard
	TagWall
	TagObstacle
)

// Actor tags as set on the simulator blueprints.
const (
	WireTagAgent    = "RL_Agent"
	WireTagFood     = "RL_Coin"
	WireTagHazard   = "RL_Poison"
	WireTagWall     = "RL_Wall"
	WireTagObstacle = "RL_Block"
)

func ParseTag(s string) Tag {
	switch strings.TrimSpace(s) {
	case WireTagAgent:
		return TagAgent
	case WireTagFood:
		return TagFood
	case WireTagHazard:
		return TagHazard
	case WireTagWall:
		return TagWall
	case WireTagObstacle:
		return TagObstacle
	default:
		return TagUnknown
	}
}

func (t Tag) Wire() string {
	switch t {
	case TagAgent:
		return WireTagAgent
	case TagFood:
		return WireTagFood
	case TagHazard:
		return WireTagHazard
	case TagWall:
		return WireTagWall
	case TagObstacle:
		return WireTagObstacle
	default:
		return ""
	}
}

func (t Tag) String() string {
	switch t {
	case TagAgent:
		return "agent"
	case TagFood:
		return "food"
	case TagHazard:
		return "hazard"
	case TagWall:
		return "wall"
	case TagObstacle:
		return "obstacle"
	default:
		return "unknown"
	}
}

// Static reports whether the tag marks level geometry rather than an actor.
func (t Tag) Static() bool { return t == TagWall || t == TagObstacle }

func (t Tag) MarshalJSON() ([]byte, error) { return json.Marshal(t.Wire()) }

func (t *Tag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ParseTag(s)
	return nil
}

// ActorIDFromGUIDLE converts a 16 byte little-endian GUID into the upper-case
// id string the simulator uses elsewhere.
func ActorIDFromGUIDLE(b []byte) (ActorID, error) {
	if len(b) != 16 {
		return "", fmt.Errorf("guid: want 16 bytes, got %d", len(b))
	}
	var be [16]byte
	copy(be[:], b)
	// First three groups are little-endian in the wire layout.
	be[0], be[1], be[2], be[3] = b[3], b[2], b[1], b[0]
	be[4], be[5] = b[5], b[4]
	be[6], be[7] = b[7], b[6]
	u, err := uuid.FromBytes(be[:])
	if err != nil {
		return "", err
	}
	return ActorID(strings.ToUpper(u.String())), nil
}
