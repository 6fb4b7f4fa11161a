package protocol

import "encoding/json"

// Backend RPC methods. Each request gets exactly one response with the same
// id.
const (
	MethodResetLevel         = "reset_level"
	MethodLoadArena          = "load_arena"
	MethodDestroyActor       = "destroy_actor"
	MethodSpawnActor         = "spawn_actor"
	MethodSetTransform       = "set_transform"
	MethodGetTransform       = "get_transform"
	MethodMoveTowards        = "move_towards"
	MethodRayTraceBatch      = "ray_trace_batch"
	MethodExecConsoleCommand = "exec_console_command"
)

type RPCRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type RPCResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// ActorRef names an actor either by string id or by its 16-byte
// little-endian GUID (base64 in JSON). Servers send one or the other.
type ActorRef struct {
	ActorID string `json:"actor_id,omitempty"`
	GUID    []byte `json:"guid,omitempty"`
}

type LoadArenaParams struct {
	Path   string     `json:"path"`
	Anchor [3]float64 `json:"anchor"`
}

type LoadArenaResult struct {
	ArenaID string `json:"arena_id"`
}

type SpawnActorParams struct {
	ArenaID   string     `json:"arena_id"`
	Blueprint string     `json:"blueprint"`
	Location  [3]float64 `json:"location"`
	Scale     [3]float64 `json:"scale"`
	TimeoutMs int64      `json:"timeout_ms"`
}

type TransformMsg struct {
	Location [3]float64 `json:"location"`
	Scale    [3]float64 `json:"scale"`
}

type SetTransformParams struct {
	ActorID   string       `json:"actor_id"`
	Transform TransformMsg `json:"transform"`
}

type SetTransformResult struct {
	OK bool `json:"ok"`
}

// Orientation modes for move_towards.
const (
	OrientationKeep         = "keep"
	OrientationFaceMovement = "face_movement"
)

type MoveTowardsParams struct {
	ActorID     string     `json:"actor_id"`
	Target      [3]float64 `json:"target"`
	TimeoutMs   int64      `json:"timeout_ms"`
	Orientation string     `json:"orientation"`
	Speed       float64    `json:"speed"`
}

type HitMsg struct {
	ActorRef
	Tag      string     `json:"tag"`
	Distance float64    `json:"distance"`
	Location [3]float64 `json:"location"`
	Normal   [3]float64 `json:"normal"`
}

type MoveTowardsResult struct {
	Location [3]float64 `json:"location"`
	Hit      *HitMsg    `json:"hit,omitempty"`
}

type RayJobMsg struct {
	Start  [3]float64 `json:"start"`
	End    [3]float64 `json:"end"`
	Ignore []string   `json:"ignore,omitempty"`
}

type RayTraceBatchParams struct {
	Jobs      []RayJobMsg `json:"jobs"`
	DebugDraw bool        `json:"debug_draw,omitempty"`
}

type RayResultMsg struct {
	Hits []HitMsg `json:"hits"`
}

type RayTraceBatchResult struct {
	Results []RayResultMsg `json:"results"`
}

type ConsoleParams struct {
	Command string `json:"command"`
}
