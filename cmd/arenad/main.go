package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	persistlog "macs.ai/internal/persistence/log"
	"macs.ai/internal/sim/arena"
	"macs.ai/internal/sim/tuning"
	"macs.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/arena.yaml", "path to arena.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		runID      = flag.String("run", "run_1", "run id (tick logs go under <data>/runs/<run>)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick/episode index")
		rollout    = flag.Int("rollout", 0, "run N random-policy steps locally instead of serving trainers")
		sentryDSN  = flag.String("sentry_dsn", "", "sentry dsn for dispatch panics (or set MACS_SENTRY_DSN)")
		seed       = flag.Int64("seed", -1, "override env.seed (negative keeps the config value)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[arenad] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = tuning.Defaults()
	}
	if *seed >= 0 {
		cfg.Env.Seed = *seed
	}

	dsn := strings.TrimSpace(*sentryDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("MACS_SENTRY_DSN"))
	}
	if dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Fatalf("sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signalContext()
	defer cancel()

	b, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("backend: %v", err)
	}

	env, err := arena.New(cfg, b, log.New(os.Stdout, "[arena] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("env: %v", err)
	}
	defer env.Close()

	runDir := filepath.Join(*dataDir, "runs", *runID)
	_ = os.MkdirAll(runDir, 0o755)

	idx, err := openRuntimeIndex(runDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	tickLog := persistlog.NewTickLogger(runDir, persistlog.LoggerOptions{})
	defer tickLog.Close()
	env.SetTickLogger(multiTickLogger{a: tickLog, b: idx})

	if *rollout > 0 {
		if err := runRollout(ctx, env, *rollout, cfg.Env.Seed, logger); err != nil {
			logger.Printf("rollout: %v", err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, env, idx)
	})
	if sv := strings.TrimSpace(os.Getenv("MACS_STATSVIEW_ADDR")); sv != "" {
		// set configurations before calling `statsview.New()`
		viewer.SetConfiguration(viewer.WithAddr(sv))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
		logger.Printf("statsview on http://%s/debug/statsview", sv)
	}
	if envBool("MACS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (MACS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/env", ws.NewServer(env, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds)).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s arenas=%d backend=%s", *addr, cfg.Env.NumArenas, cfg.Backend.Kind)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func writeMetrics(rw http.ResponseWriter, env *arena.Env, idx runtimeIndex) {
	fmt.Fprintf(rw, "# HELP macs_env_tick Completed steps; resets do not advance it.\n")
	fmt.Fprintf(rw, "# TYPE macs_env_tick counter\n")
	fmt.Fprintf(rw, "macs_env_tick %d\n", env.Tick())

	fmt.Fprintf(rw, "# HELP macs_env_phase Current step phase (0 idle).\n")
	fmt.Fprintf(rw, "# TYPE macs_env_phase gauge\n")
	fmt.Fprintf(rw, "macs_env_phase{phase=%q} %d\n", env.Phase().String(), int(env.Phase()))

	fmt.Fprintf(rw, "# HELP macs_arena_steps Steps taken in the current episode.\n")
	fmt.Fprintf(rw, "# TYPE macs_arena_steps gauge\n")
	for i := 0; i < env.NumArenas(); i++ {
		s, err := env.Arena(i)
		if err != nil {
			continue
		}
		fmt.Fprintf(rw, "macs_arena_steps{arena=%q} %d\n", string(s.ID), s.Steps)
	}

	if idx == nil {
		return
	}
	st := idx.Stats()
	fmt.Fprintf(rw, "# HELP macs_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE macs_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "macs_index_queue_depth %d\n", st.QueueDepth)
	fmt.Fprintf(rw, "# HELP macs_index_dropped_total Tick records dropped because the index queue was full.\n")
	fmt.Fprintf(rw, "# TYPE macs_index_dropped_total counter\n")
	fmt.Fprintf(rw, "macs_index_dropped_total %d\n", st.DropTickTotal)
}

type multiTickLogger struct {
	a arena.TickLogger
	b arena.TickLogger
}

func (m multiTickLogger) WriteTick(entry arena.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}
