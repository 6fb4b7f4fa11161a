package protocol

import "encoding/json"

const Version = "1.0"

// Trainer message types.
const (
	TypeHello          = "HELLO"
	TypeWelcome        = "WELCOME"
	TypeReset          = "RESET"
	TypeResetResult    = "RESET_RESULT"
	TypeStep           = "STEP"
	TypeStepResult     = "STEP_RESULT"
	TypeResetOne       = "RESET_ONE"
	TypeResetOneResult = "RESET_ONE_RESULT"
	TypeError          = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
