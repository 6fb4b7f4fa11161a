package arena

import (
	"time"

	"macs.ai/internal/sim/backend"
)

const (
	TickKindReset    = "reset"
	TickKindResetOne = "reset_one"
	TickKindStep     = "step"
)

// TickLogEntry is the structured record of one reset or step.
type TickLogEntry struct {
	Tick   uint64      `json:"tick"`
	Kind   string      `json:"kind"`
	Time   time.Time   `json:"time"`
	Arenas []ArenaTick `json:"arenas"`
	Error  string      `json:"error,omitempty"`
}

type ArenaTick struct {
	Index   int    `json:"index"`
	ArenaID string `json:"arena_id"`
	Episode int    `json:"episode"`
	Steps   int    `json:"steps"`

	Rewards       map[string]float64 `json:"rewards,omitempty"`
	EpisodeReturn float64            `json:"episode_return"`
	Captured      []backend.ActorID  `json:"captured,omitempty"`
	HazardHits    []backend.ActorID  `json:"hazard_hits,omitempty"`
	Respawned     []backend.ActorID  `json:"respawned,omitempty"`
	Truncated     bool               `json:"truncated,omitempty"`
	Digest        string             `json:"digest"`
}

type tickDetail struct {
	rewards     []Rewards
	settlements []*Settlement
	respawned   [][]backend.ActorID
	respawnErr  error
}

func (e *Env) writeTick(kind string, arenas []*State, d *tickDetail) {
	if e.tickLogger == nil {
		return
	}
	entry := TickLogEntry{
		Tick:   e.tick,
		Kind:   kind,
		Time:   time.Now().UTC(),
		Arenas: make([]ArenaTick, len(arenas)),
	}
	for i, s := range arenas {
		at := ArenaTick{
			Index:         s.Index,
			ArenaID:       string(s.ID),
			Episode:       e.episodes[s.Index],
			Steps:         s.Steps,
			EpisodeReturn: e.returns[s.Index],
			Truncated:     s.Steps >= e.cfg.Env.MaxCycles,
			Digest:        StateDigest(s),
		}
		if d != nil {
			at.Rewards = make(map[string]float64, len(s.Agents))
			for a := range s.Agents {
				at.Rewards[AgentName(a)] = d.rewards[i].Final[a]
			}
			at.Captured = Captured(d.settlements[i], e.cfg.Env.NCoop)
			at.HazardHits = HazardHits(d.settlements[i])
			at.Respawned = d.respawned[i]
		}
		entry.Arenas[i] = at
	}
	if d != nil && d.respawnErr != nil {
		entry.Error = d.respawnErr.Error()
	}
	if err := e.tickLogger.WriteTick(entry); err != nil {
		e.log.Printf("tick log: %v", err)
	}
}
