package protocol

// HELLO (trainer -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> trainer)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	NumArenas       int      `json:"num_arenas"`
	AgentNames      []string `json:"agent_names"`
	ObsDim          int      `json:"obs_dim"`
	ActionDim       int      `json:"action_dim"`
	ActionLow       float64  `json:"action_low"`
	ActionHigh      float64  `json:"action_high"`
	MaxCycles       int      `json:"max_cycles"`
}

type ArenaInfo struct {
	ArenaID   string          `json:"arena_id"`
	Steps     int             `json:"steps"`
	AgentMask map[string]bool `json:"agent_mask"`
}

// RESET (trainer -> server)
type ResetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
}

// RESET_RESULT (server -> trainer)
type ResetResultMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	ReqID           string                 `json:"req_id"`
	Obs             []map[string][]float64 `json:"obs"`
	Infos           []ArenaInfo            `json:"infos"`
}

// STEP (trainer -> server): one action map per arena, keyed by agent name.
type StepMsg struct {
	Type            string                  `json:"type"`
	ProtocolVersion string                  `json:"protocol_version"`
	ReqID           string                  `json:"req_id"`
	Actions         []map[string][2]float64 `json:"actions"`
}

// STEP_RESULT (server -> trainer)
type StepResultMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	ReqID           string                 `json:"req_id"`
	Tick            uint64                 `json:"tick"`
	Obs             []map[string][]float64 `json:"obs"`
	Rewards         []map[string]float64   `json:"rewards"`
	Terminated      []map[string]bool      `json:"terminated"`
	Truncated       []map[string]bool      `json:"truncated"`
	Infos           []ArenaInfo            `json:"infos"`
	// Warning is set when the tick completed but some respawns failed.
	Warning string `json:"warning,omitempty"`
}

// RESET_ONE (trainer -> server)
type ResetOneMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Arena           int    `json:"arena"`
}

// RESET_ONE_RESULT (server -> trainer)
type ResetOneResultMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	ReqID           string               `json:"req_id"`
	Arena           int                  `json:"arena"`
	Obs             map[string][]float64 `json:"obs"`
	Info            ArenaInfo            `json:"info"`
}

// ERROR (server -> trainer)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(reqID, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ReqID: reqID, Code: code, Message: msg}
}
