// Package dispatch runs batches of backend commands concurrently and records
// when each one finished. A failing or panicking command never aborts its
// batch; its outcome is reported as a failed TimedResult instead.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

type Status int

const (
	StatusCompleted Status = iota + 1
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TimedResult is the outcome of one command. End carries a monotonic clock
// reading, so comparisons between results of one process are reliable.
type TimedResult[T any] struct {
	Index    int
	Key      string
	Status   Status
	Value    T
	Err      error
	End      time.Time
	Duration time.Duration
}

func (r TimedResult[T]) OK() bool { return r.Status == StatusCompleted }

// Command is one unit of work. Timeout <= 0 means the command is bounded only
// by the caller's context.
type Command[T any] struct {
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) (T, error)
}

// DispatchAndTime runs cmd and times it.
func DispatchAndTime[T any](ctx context.Context, cmd Command[T]) (res TimedResult[T]) {
	start := time.Now()
	res.Key = cmd.Key
	defer func() {
		if p := recover(); p != nil {
			hub := sentry.CurrentHub().Clone()
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("command", cmd.Key)
			})
			hub.Recover(p)
			res.Status = StatusFailed
			res.Err = fmt.Errorf("command %s panicked: %v", cmd.Key, p)
		}
		res.End = time.Now()
		res.Duration = res.End.Sub(start)
	}()

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	v, err := cmd.Run(runCtx)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusCompleted
	res.Value = v
	return res
}

// DispatchBatch starts every command at once and waits for all of them. The
// returned slice is in request order, not completion order.
func DispatchBatch[T any](ctx context.Context, cmds []Command[T]) []TimedResult[T] {
	out := make([]TimedResult[T], len(cmds))
	var wg sync.WaitGroup
	wg.Add(len(cmds))
	for i := range cmds {
		go func(i int) {
			defer wg.Done()
			r := DispatchAndTime(ctx, cmds[i])
			r.Index = i
			out[i] = r
		}(i)
	}
	wg.Wait()
	return out
}

// SortByCompletion orders results by completion time; ties fall back to
// Key, then to request index.
func SortByCompletion[T any](rs []TimedResult[T]) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Index < b.Index
	})
}

// Failures collects the errors of failed results.
func Failures[T any](rs []TimedResult[T]) []error {
	var errs []error
	for _, r := range rs {
		if r.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
		}
	}
	return errs
}
