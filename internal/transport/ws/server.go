package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"macs.ai/internal/protocol"
	"macs.ai/internal/sim/arena"
)

// Server exposes one environment to trainers. Requests from all
// connections are served one at a time; a request that arrives while
// another is running gets E_BUSY.
type Server struct {
	env *arena.Env
	log *log.Logger

	busy     atomic.Bool
	upgrader websocket.Upgrader
}

func NewServer(env *arena.Env, logger *log.Logger) *Server {
	s := &Server{
		env: env,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session := s.handshake(conn)
		if session == "" {
			return
		}
		s.logf("session %s connected from %s", session, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, 8)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Time{})
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.dispatch(ctx, msg)
			b, err := json.Marshal(resp)
			if err != nil {
				s.logf("session %s: encode: %v", session, err)
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		s.logf("session %s closed", session)
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	cfg := s.env.Config()
	sp := s.env.Spaces()
	names := make([]string, cfg.Env.NAgents)
	for i := range names {
		names[i] = arena.AgentName(i)
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		NumArenas:       cfg.Env.NumArenas,
		AgentNames:      names,
		ObsDim:          sp.Observation.Shape[0],
		ActionDim:       sp.Action.Shape[0],
		ActionLow:       sp.Action.Low,
		ActionHigh:      sp.Action.High,
		MaxCycles:       cfg.Env.MaxCycles,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return welcome.SessionID
}

// dispatch serves one request and returns the message to send back.
func (s *Server) dispatch(ctx context.Context, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.NewError("", protocol.ErrProtoBadRequest, "invalid json")
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.NewError(base.ReqID, protocol.ErrProtoVersion, "bad protocol_version")
	}
	if err := protocol.ValidateRequest(msg); err != nil {
		return protocol.NewError(base.ReqID, protocol.ErrBadRequest, err.Error())
	}
	if !s.busy.CompareAndSwap(false, true) {
		return protocol.NewError(base.ReqID, protocol.ErrBusy, "another request is in progress")
	}
	defer s.busy.Store(false)

	switch base.Type {
	case protocol.TypeReset:
		res, err := s.env.Reset(ctx)
		if err != nil {
			return s.fail(base.ReqID, err)
		}
		return protocol.ResetResultMsg{
			Type:            protocol.TypeResetResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			Obs:             res.Obs,
			Infos:           infos(res.Infos),
		}
	case protocol.TypeStep:
		var m protocol.StepMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrBadRequest, err.Error())
		}
		acts := make([]map[string]arena.Action, len(m.Actions))
		for i, am := range m.Actions {
			acts[i] = make(map[string]arena.Action, len(am))
			for name, a := range am {
				acts[i][name] = arena.Action(a)
			}
		}
		res, err := s.env.Step(ctx, acts)
		warning := ""
		if err != nil {
			if !errors.Is(err, arena.ErrRespawnFailure) {
				return s.fail(base.ReqID, err)
			}
			warning = err.Error()
		}
		return protocol.StepResultMsg{
			Type:            protocol.TypeStepResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			Tick:            s.env.Tick(),
			Obs:             res.Obs,
			Rewards:         res.Rewards,
			Terminated:      res.Terminated,
			Truncated:       res.Truncated,
			Infos:           infos(res.Infos),
			Warning:         warning,
		}
	case protocol.TypeResetOne:
		var m protocol.ResetOneMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrBadRequest, err.Error())
		}
		obs, info, err := s.env.ResetOne(ctx, m.Arena)
		if err != nil {
			return s.fail(base.ReqID, err)
		}
		return protocol.ResetOneResultMsg{
			Type:            protocol.TypeResetOneResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			Arena:           m.Arena,
			Obs:             obs,
			Info:            infos([]arena.Info{info})[0],
		}
	default:
		return protocol.NewError(base.ReqID, protocol.ErrBadRequest, "unexpected "+base.Type)
	}
}

func (s *Server) fail(reqID string, err error) protocol.ErrorMsg {
	code := errorCode(err)
	if code == protocol.ErrBackend || code == protocol.ErrInternal {
		s.logf("request %s: %v", reqID, err)
	}
	return protocol.NewError(reqID, code, err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, arena.ErrNotReset):
		return protocol.ErrNotReset
	case errors.Is(err, arena.ErrMissingAction):
		return protocol.ErrMissingAction
	case errors.Is(err, arena.ErrArenaIndex):
		return protocol.ErrArenaIndex
	case errors.Is(err, arena.ErrRespawnFailure):
		return protocol.ErrRespawn
	case errors.Is(err, arena.ErrResultCountMismatch):
		return protocol.ErrInternal
	default:
		return protocol.ErrBackend
	}
}

func infos(in []arena.Info) []protocol.ArenaInfo {
	out := make([]protocol.ArenaInfo, len(in))
	for i, v := range in {
		out[i] = protocol.ArenaInfo{ArenaID: v.ArenaID, Steps: v.Steps, AgentMask: v.AgentMask}
	}
	return out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
