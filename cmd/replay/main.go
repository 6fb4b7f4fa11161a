package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"macs.ai/internal/persistence/indexdb"
	persistlog "macs.ai/internal/persistence/log"
	"macs.ai/internal/sim/arena"
)

func main() {
	var (
		runDir = flag.String("run", "", "run dir containing events/ (as written by arenad)")
		dbPath = flag.String("db", "", "sqlite index to list episodes from (default: <run>/index/arena.sqlite if present)")
		toTick = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		other  = flag.String("against", "", "second run dir; compare per-arena state digests entry by entry")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	files, err := persistlog.ListFiles(filepath.Join(*runDir, "events"), "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *runDir)
		os.Exit(1)
	}

	v := newVerifier()
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(e arena.TickLogEntry) error {
			if *toTick != 0 && e.Tick > *toTick {
				return errStop
			}
			if err := v.apply(e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	for _, ep := range v.finished {
		fmt.Printf("arena=%d id=%s episode=%d steps=%d return=%.4f captured=%d hazard_hits=%d end_tick=%d\n",
			ep.Arena, ep.ArenaID, ep.Episode, ep.Steps, ep.EpisodeReturn, ep.Captured, ep.HazardHits, ep.EndTick)
	}
	fmt.Printf("replay ok: checked=%d entries last_tick=%d episodes=%d\n", v.checked, v.lastTick, len(v.finished))

	if *other != "" {
		theirs, err := readDigests(*other, *toTick)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read against:", err)
			os.Exit(1)
		}
		if err := compareDigests(v.digests, theirs); err != nil {
			fmt.Fprintln(os.Stderr, "digest:", err)
			os.Exit(1)
		}
		fmt.Printf("digests match: %d arena records\n", len(v.digests))
	}

	p := *dbPath
	if p == "" {
		p = filepath.Join(*runDir, "index", "arena.sqlite")
		if _, err := os.Stat(p); err != nil {
			return
		}
	}
	db, err := indexdb.OpenReadOnly(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer db.Close()
	rows, err := indexdb.QueryEpisodes(context.Background(), db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query episodes:", err)
		os.Exit(1)
	}
	if len(rows) != len(v.finished) {
		fmt.Printf("index episodes=%d (tick log %d; the index drops under load)\n", len(rows), len(v.finished))
	}
}

var errStop = errors.New("stop")

type arenaRun struct {
	id       string
	episode  int
	steps    int
	ret      float64
	captured int
	hazards  int
	closed   bool
}

// verifier re-derives episode returns and step counters from per-step
// rewards and checks them against what the env recorded.
type verifier struct {
	arenas   map[int]*arenaRun
	finished []indexdb.EpisodeRow
	lastTick uint64
	checked  int
	started  bool
	digests  []digestRec
}

type digestRec struct {
	Tick   uint64
	Kind   string
	Arena  int
	Digest string
}

func newVerifier() *verifier {
	return &verifier{arenas: map[int]*arenaRun{}}
}

func (v *verifier) apply(e arena.TickLogEntry) error {
	switch e.Kind {
	case arena.TickKindReset, arena.TickKindResetOne:
		if v.started && e.Tick < v.lastTick {
			return fmt.Errorf("tick went backwards at %s: %d < %d", e.Kind, e.Tick, v.lastTick)
		}
		for _, a := range e.Arenas {
			v.arenas[a.Index] = &arenaRun{id: a.ArenaID, episode: a.Episode}
		}
	case arena.TickKindStep:
		if v.started && e.Tick != v.lastTick+1 {
			return fmt.Errorf("tick gap: want=%d got=%d", v.lastTick+1, e.Tick)
		}
		for _, a := range e.Arenas {
			r := v.arenas[a.Index]
			if r == nil {
				return fmt.Errorf("tick %d: arena %d stepped before reset", e.Tick, a.Index)
			}
			r.steps++
			for _, x := range a.Rewards {
				r.ret += x
			}
			r.captured += len(a.Captured)
			r.hazards += len(a.HazardHits)
			if a.Steps != r.steps {
				return fmt.Errorf("tick %d arena %d: steps=%d want=%d", e.Tick, a.Index, a.Steps, r.steps)
			}
			if math.Abs(a.EpisodeReturn-r.ret) > 1e-6 {
				return fmt.Errorf("tick %d arena %d: episode_return=%.6f want=%.6f", e.Tick, a.Index, a.EpisodeReturn, r.ret)
			}
			if a.Truncated && !r.closed {
				r.closed = true
				v.finished = append(v.finished, indexdb.EpisodeRow{
					Arena: a.Index, Episode: r.episode, ArenaID: r.id, Steps: r.steps,
					EpisodeReturn: r.ret, Captured: r.captured, HazardHits: r.hazards, EndTick: e.Tick,
				})
			}
		}
	default:
		return fmt.Errorf("tick %d: unknown kind %q", e.Tick, e.Kind)
	}
	for _, a := range e.Arenas {
		v.digests = append(v.digests, digestRec{Tick: e.Tick, Kind: e.Kind, Arena: a.Index, Digest: a.Digest})
	}
	v.lastTick = e.Tick
	v.started = true
	v.checked++
	return nil
}

func readDigests(runDir string, toTick uint64) ([]digestRec, error) {
	files, err := persistlog.ListFiles(filepath.Join(runDir, "events"), "events")
	if err != nil {
		return nil, err
	}
	var out []digestRec
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(e arena.TickLogEntry) error {
			if toTick != 0 && e.Tick > toTick {
				return errStop
			}
			for _, a := range e.Arenas {
				out = append(out, digestRec{Tick: e.Tick, Kind: e.Kind, Arena: a.Index, Digest: a.Digest})
			}
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// compareDigests reports the first record where two runs diverge.
func compareDigests(a, b []digestRec) error {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Tick != b[i].Tick || a[i].Kind != b[i].Kind || a[i].Arena != b[i].Arena {
			return fmt.Errorf("record %d: layout differs (%d/%s/%d vs %d/%s/%d)",
				i, a[i].Tick, a[i].Kind, a[i].Arena, b[i].Tick, b[i].Kind, b[i].Arena)
		}
		if a[i].Digest != b[i].Digest {
			return fmt.Errorf("diverged at tick %d (%s) arena %d: %s vs %s", a[i].Tick, a[i].Kind, a[i].Arena, a[i].Digest, b[i].Digest)
		}
	}
	if len(a) != len(b) {
		return fmt.Errorf("length differs: %d vs %d records", len(a), len(b))
	}
	return nil
}
