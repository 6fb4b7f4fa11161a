// Package backend describes the remote actor simulation the arena core drives.
// Every method must be safe for concurrent use: the core issues whole phases
// of calls at once and waits for all of them.
package backend

import (
	"context"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

type ActorID string

type ArenaID string

type Transform struct {
	Location mgl64.Vec3 `json:"location"`
	Scale    mgl64.Vec3 `json:"scale"`
}

// At returns a unit-scale transform at loc.
func At(loc mgl64.Vec3) Transform {
	return Transform{Location: loc, Scale: mgl64.Vec3{1, 1, 1}}
}

type OrientationMode int

const (
	OrientationKeep OrientationMode = iota
	OrientationFaceMovement
)

type MoveRequest struct {
	Actor       ActorID
	Target      mgl64.Vec3
	Timeout     time.Duration
	Orientation OrientationMode
	Speed       float64
}

// Hit is one contact reported by a movement or a ray.
type Hit struct {
	Actor    ActorID    `json:"actor_id"`
	Tag      Tag        `json:"tag"`
	Distance float64    `json:"distance"`
	Location mgl64.Vec3 `json:"location"`
	// Normal is the struck surface normal at the contact. Zero when the
	// backend does not report one.
	Normal mgl64.Vec3 `json:"normal"`
}

type MoveResult struct {
	Location mgl64.Vec3
	Hit      *Hit
}

type RayJob struct {
	Start  mgl64.Vec3
	End    mgl64.Vec3
	Ignore []ActorID
}

// RayResult lists the hits of one job ordered nearest first.
type RayResult struct {
	Hits []Hit
}

type Backend interface {
	ResetLevel(ctx context.Context) error
	LoadArena(ctx context.Context, levelPath string, anchor mgl64.Vec3) (ArenaID, error)
	DestroyActor(ctx context.Context, id ActorID) error
	SpawnActor(ctx context.Context, arena ArenaID, blueprint string, t Transform, timeout time.Duration) (ActorID, error)
	SetTransform(ctx context.Context, id ActorID, t Transform) (bool, error)
	GetTransform(ctx context.Context, id ActorID) (Transform, error)
	MoveTowards(ctx context.Context, req MoveRequest) (MoveResult, error)
	RayTraceBatch(ctx context.Context, jobs []RayJob, debugDraw bool) ([]RayResult, error)
	ExecConsoleCommand(ctx context.Context, cmd string) error
	Close() error
}
