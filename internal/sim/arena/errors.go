package arena

import "errors"

var (
	ErrUnknownEntityKind   = errors.New("arena: unknown entity kind")
	ErrRespawnFailure      = errors.New("arena: respawn failed")
	ErrSpawnFailure        = errors.New("arena: spawn failed")
	ErrTransformReadback   = errors.New("arena: transform readback failed")
	ErrPlacementFailure    = errors.New("arena: placement failed")
	ErrResultCountMismatch = errors.New("arena: movement result count mismatch")
	ErrMissingAction       = errors.New("arena: missing action")
	ErrNotReset            = errors.New("arena: environment not reset")
	ErrArenaIndex          = errors.New("arena: arena index out of range")
)
