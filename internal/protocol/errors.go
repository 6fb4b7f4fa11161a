package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Environment state.
	ErrBusy     = "E_BUSY"
	ErrNotReset = "E_NOT_RESET"

	// Request content.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrMissingAction = "E_MISSING_ACTION"
	ErrArenaIndex    = "E_ARENA_INDEX"

	// Backend and server failures.
	ErrBackend  = "E_BACKEND"
	ErrRespawn  = "E_RESPAWN"
	ErrInternal = "E_INTERNAL"

	// Backend RPC.
	ErrUnknownMethod = "E_UNKNOWN_METHOD"
	ErrNotFound      = "E_NOT_FOUND"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBusy:            {},
	ErrNotReset:        {},
	ErrBadRequest:      {},
	ErrMissingAction:   {},
	ErrArenaIndex:      {},
	ErrBackend:         {},
	ErrRespawn:         {},
	ErrInternal:        {},
	ErrUnknownMethod:   {},
	ErrNotFound:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
