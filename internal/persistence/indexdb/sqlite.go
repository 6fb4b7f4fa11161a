// Package indexdb keeps a queryable SQLite index of tick and episode
// records. Writes go through a buffered channel to one writer goroutine and
// are dropped (and counted) when the writer falls behind; the compressed
// tick log stays the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"macs.ai/internal/sim/arena"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan arena.TickLogEntry
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	writeFail  atomic.Uint64
	commitFail atomic.Uint64
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTickTotal  uint64
	WriteFailTotal uint64
	CommitFailures uint64
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		WriteFailTotal: s.writeFail.Load(),
		CommitFailures: s.commitFail.Load(),
	}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan arena.TickLogEntry, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			arenas INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_tick ON ticks(tick);`,
		`CREATE TABLE IF NOT EXISTS arena_ticks (
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			arena INTEGER NOT NULL,
			arena_id TEXT NOT NULL,
			episode INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			reward_sum REAL NOT NULL,
			captured INTEGER NOT NULL,
			hazard_hits INTEGER NOT NULL,
			respawned INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			digest TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_arena_ticks_arena ON arena_ticks(arena, episode);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			arena INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			arena_id TEXT NOT NULL,
			steps INTEGER NOT NULL,
			episode_return REAL NOT NULL,
			captured INTEGER NOT NULL,
			hazard_hits INTEGER NOT NULL,
			end_tick INTEGER NOT NULL,
			PRIMARY KEY (arena, episode, end_tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues entry for indexing. It never blocks the caller.
func (s *SQLiteIndex) WriteTick(entry arena.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- entry:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// episodeAcc sums one arena's running episode between truncations.
type episodeAcc struct {
	captured int
	hazards  int
	// closed is set on the first truncated step; later steps of the same
	// episode do not add another row.
	closed bool
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT INTO ticks(tick,kind,recorded_at,arenas,error,raw_json) VALUES(?,?,?,?,?,?)`)
	insertArena, _ := s.db.Prepare(`INSERT INTO arena_ticks(tick,kind,arena,arena_id,episode,steps,reward_sum,captured,hazard_hits,respawned,truncated,digest) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(arena,episode,arena_id,steps,episode_return,captured,hazard_hits,end_tick) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertArena, insertEpisode} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second

		running = map[int]*episodeAcc{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.commitFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFail.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for e := range s.ch {
		begin()
		if tx == nil {
			s.writeFail.Add(1)
			continue
		}
		raw, _ := json.Marshal(e)
		if !exec(insertTick, int64(e.Tick), e.Kind, e.Time.UTC().Format(time.RFC3339Nano), len(e.Arenas), e.Error, string(raw)) {
			continue
		}
		for _, a := range e.Arenas {
			if e.Kind != arena.TickKindStep {
				running[a.Index] = &episodeAcc{}
			}
			acc := running[a.Index]
			if acc == nil {
				acc = &episodeAcc{}
				running[a.Index] = acc
			}
			acc.captured += len(a.Captured)
			acc.hazards += len(a.HazardHits)

			sum := 0.0
			for _, r := range a.Rewards {
				sum += r
			}
			if !exec(insertArena, int64(e.Tick), e.Kind, a.Index, a.ArenaID, a.Episode, a.Steps, sum,
				len(a.Captured), len(a.HazardHits), len(a.Respawned), boolInt(a.Truncated), a.Digest) {
				break
			}
			if e.Kind == arena.TickKindStep && a.Truncated && !acc.closed {
				acc.closed = true
				if !exec(insertEpisode, a.Index, a.Episode, a.ArenaID, a.Steps, a.EpisodeReturn, acc.captured, acc.hazards, int64(e.Tick)) {
					break
				}
			}
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type EpisodeRow struct {
	Arena         int
	Episode       int
	ArenaID       string
	Steps         int
	EpisodeReturn float64
	Captured      int
	HazardHits    int
	EndTick       uint64
}

// Episodes lists finished episodes ordered by arena and episode.
func (s *SQLiteIndex) Episodes(ctx context.Context) ([]EpisodeRow, error) {
	return QueryEpisodes(ctx, s.db)
}

// QueryEpisodes reads the episodes table from an open database.
func QueryEpisodes(ctx context.Context, db *sql.DB) ([]EpisodeRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT arena,episode,arena_id,steps,episode_return,captured,hazard_hits,end_tick
		FROM episodes ORDER BY arena, episode, end_tick`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EpisodeRow
	for rows.Next() {
		var r EpisodeRow
		var end int64
		if err := rows.Scan(&r.Arena, &r.Episode, &r.ArenaID, &r.Steps, &r.EpisodeReturn, &r.Captured, &r.HazardHits, &end); err != nil {
			return nil, err
		}
		r.EndTick = uint64(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenReadOnly opens an index written by another process for queries.
func OpenReadOnly(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
