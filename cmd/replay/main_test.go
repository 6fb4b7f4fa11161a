package main

import (
	"strings"
	"testing"

	"macs.ai/internal/sim/arena"
	"macs.ai/internal/sim/backend"
)

func TestVerifier_EpisodeAccounting(t *testing.T) {
	v := newVerifier()
	entries := []arena.TickLogEntry{
		{Tick: 0, Kind: arena.TickKindReset, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0"}}},
		{Tick: 1, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Steps: 1,
			Rewards: map[string]float64{"pursuer_0": 1, "pursuer_1": -0.5}, EpisodeReturn: 0.5, Captured: []backend.ActorID{"f0"}}}},
		{Tick: 2, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Steps: 2,
			Rewards: map[string]float64{"pursuer_0": 0.25}, EpisodeReturn: 0.75, Truncated: true}}},
		{Tick: 2, Kind: arena.TickKindResetOne, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Episode: 1}}},
		{Tick: 3, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Episode: 1, Steps: 1}}},
	}
	for _, e := range entries {
		if err := v.apply(e); err != nil {
			t.Fatalf("apply tick %d: %v", e.Tick, err)
		}
	}
	if v.checked != 5 || v.lastTick != 3 {
		t.Fatalf("checked=%d last=%d", v.checked, v.lastTick)
	}
	if len(v.finished) != 1 {
		t.Fatalf("finished=%d want 1", len(v.finished))
	}
	ep := v.finished[0]
	if ep.Steps != 2 || ep.EpisodeReturn != 0.75 || ep.Captured != 1 || ep.EndTick != 2 {
		t.Fatalf("episode: %+v", ep)
	}
}

func TestVerifier_StepsPastTruncationKeepOneEpisode(t *testing.T) {
	v := newVerifier()
	entries := []arena.TickLogEntry{
		{Tick: 0, Kind: arena.TickKindReset, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0"}}},
		{Tick: 1, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Steps: 1, Truncated: true}}},
		{Tick: 2, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Steps: 2, Truncated: true}}},
		{Tick: 3, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Steps: 3, Truncated: true}}},
		{Tick: 3, Kind: arena.TickKindResetOne, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Episode: 1}}},
		{Tick: 4, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, ArenaID: "A0", Episode: 1, Steps: 1, Truncated: true}}},
	}
	for _, e := range entries {
		if err := v.apply(e); err != nil {
			t.Fatalf("apply tick %d: %v", e.Tick, err)
		}
	}
	if len(v.finished) != 2 {
		t.Fatalf("finished=%d want 2", len(v.finished))
	}
	if v.finished[0].EndTick != 1 || v.finished[0].Steps != 1 || v.finished[1].Episode != 1 {
		t.Fatalf("finished=%+v", v.finished)
	}
}

func TestVerifier_DetectsMismatch(t *testing.T) {
	cases := []struct {
		name  string
		entry arena.TickLogEntry
		want  string
	}{
		{"return", arena.TickLogEntry{Tick: 1, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, Steps: 1,
			Rewards: map[string]float64{"pursuer_0": 1}, EpisodeReturn: 2}}}, "episode_return"},
		{"steps", arena.TickLogEntry{Tick: 1, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, Steps: 3}}}, "steps="},
		{"gap", arena.TickLogEntry{Tick: 5, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 0, Steps: 1}}}, "tick gap"},
		{"kind", arena.TickLogEntry{Tick: 1, Kind: "bogus"}, "unknown kind"},
		{"unreset", arena.TickLogEntry{Tick: 1, Kind: arena.TickKindStep, Arenas: []arena.ArenaTick{{Index: 7, Steps: 1}}}, "before reset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newVerifier()
			if err := v.apply(arena.TickLogEntry{Tick: 0, Kind: arena.TickKindReset, Arenas: []arena.ArenaTick{{Index: 0}}}); err != nil {
				t.Fatalf("reset: %v", err)
			}
			err := v.apply(tc.entry)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want containing %q", err, tc.want)
			}
		})
	}
}

func TestCompareDigests(t *testing.T) {
	a := []digestRec{{Tick: 0, Kind: "reset", Digest: "aa"}, {Tick: 1, Kind: "step", Digest: "bb"}}
	same := append([]digestRec(nil), a...)
	if err := compareDigests(a, same); err != nil {
		t.Fatalf("identical runs: %v", err)
	}
	diverged := append([]digestRec(nil), a...)
	diverged[1].Digest = "cc"
	if err := compareDigests(a, diverged); err == nil || !strings.Contains(err.Error(), "diverged at tick 1") {
		t.Fatalf("err=%v", err)
	}
	if err := compareDigests(a, a[:1]); err == nil || !strings.Contains(err.Error(), "length") {
		t.Fatalf("err=%v", err)
	}
}
