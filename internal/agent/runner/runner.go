package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/notify"
	logx "github.com/informed-assistant/server/pkg/logger"
)

// ErrClosed is returned by Launch after Shutdown.
var ErrClosed = errors.New("query runner is shut down")

const defaultMonitorTimeout = 2 * time.Minute

// Task names one half of a query pair.
type Task string

const (
	TaskAgent   Task = "agent"
	TaskMonitor Task = "monitor"
)

// QueryStore is the part of the query store the runner needs.
type QueryStore interface {
	Create(ctx context.Context, userID, text string) (*model.Query, error)
	Get(ctx context.Context, queryID string) (*model.Query, error)
	Watch(queryID string)
	Forget(queryID string)
	AwaitUpdate(ctx context.Context, queryID string, timeout time.Duration) (*model.Query, error)
	UpdateState(ctx context.Context, queryID string, state model.QueryState) (*model.Query, error)
}

// Executor runs one query to a terminal state.
type Executor interface {
	Run(ctx context.Context, queryID, instructions string) error
}

// UpdateFunc observes every change the monitor sees, including the terminal one.
type UpdateFunc func(ctx context.Context, q *model.Query)

// DoneFunc observes each task of a pair finishing. q is the refreshed row and
// may be nil when it cannot be read.
type DoneFunc func(ctx context.Context, q *model.Query, task Task, err error)

type Options struct {
	// MonitorTimeout bounds each monitor wait; the row is re-read either way.
	MonitorTimeout time.Duration
	OnUpdate       UpdateFunc
	OnDone         DoneFunc
}

// LaunchRequest describes a query to start.
type LaunchRequest struct {
	Text         string
	Thread       *model.ChatThread
	Instructions string
	// OnCreated runs after the query row exists and before its tasks start.
	OnCreated func(ctx context.Context, q *model.Query) error
}

type pair struct {
	id          string
	cancel      context.CancelFunc
	cancelled   bool
	agentDone   bool
	monitorDone bool
}

// Runner launches executor+monitor task pairs keyed by query id. It does not
// enforce one pair per conversation; its caller does, by cancelling and
// draining before the next Launch.
type Runner struct {
	queries QueryStore
	exec    Executor
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	pairs  map[string]*pair
	closed bool
	drain  *notify.Event
	wg     sync.WaitGroup
}

func New(queries QueryStore, exec Executor, opts Options) *Runner {
	if opts.MonitorTimeout <= 0 {
		opts.MonitorTimeout = defaultMonitorTimeout
	}
	return &Runner{
		queries: queries,
		exec:    exec,
		opts:    opts,
		log:     logx.Component("query_runner"),
		pairs:   make(map[string]*pair),
		drain:   notify.NewSetEvent(),
	}
}

// Launch creates the query, registers its pair and starts both tasks.
func (r *Runner) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.Thread == nil {
		return "", fmt.Errorf("launch query: no thread")
	}
	if r.isClosed() {
		return "", ErrClosed
	}
	q, err := r.queries.Create(ctx, req.Thread.UserID, req.Text)
	if err != nil {
		return "", err
	}
	r.queries.Watch(q.ID)

	if req.OnCreated != nil {
		if err := req.OnCreated(ctx, q.Clone()); err != nil {
			r.abandon(ctx, q.ID)
			return "", fmt.Errorf("launch query %s: %w", q.ID, err)
		}
	}

	pairCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pair{id: q.ID, cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		r.abandon(ctx, q.ID)
		return "", ErrClosed
	}
	r.pairs[q.ID] = p
	r.drain.Clear()
	r.wg.Add(2)
	r.mu.Unlock()

	go r.track(pairCtx, p, TaskAgent, func(ctx context.Context) error {
		return r.exec.Run(ctx, q.ID, req.Instructions)
	})
	go r.track(pairCtx, p, TaskMonitor, func(ctx context.Context) error {
		return r.monitor(ctx, q)
	})

	r.log.Info().
		Str("query_id", q.ID).
		Str("chat_thread_id", req.Thread.ID).
		Msg("query launched")
	return q.ID, nil
}

// Cancel cancels both tasks of the pair. Unknown or already cancelled ids are a no-op.
func (r *Runner) Cancel(queryID string) {
	r.mu.Lock()
	p, ok := r.pairs[queryID]
	if !ok || p.cancelled {
		r.mu.Unlock()
		return
	}
	p.cancelled = true
	r.mu.Unlock()

	p.cancel()
	r.log.Info().Str("query_id", queryID).Msg("query cancelled")
}

// CancelAll cancels every running pair.
func (r *Runner) CancelAll() {
	for _, id := range r.RunningQueries() {
		r.Cancel(id)
	}
}

// RunningQueries returns the ids of registered pairs not yet cancelled.
func (r *Runner) RunningQueries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pairs))
	for id, p := range r.pairs {
		if !p.cancelled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Runner) HasRunningQueries() bool {
	return len(r.RunningQueries()) > 0
}

func (r *Runner) IsRunning(queryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[queryID]
	return ok && !p.cancelled
}

// WaitOnRunningQueries blocks until no pair is registered, cancelled pairs
// included, so a cancelled executor has persisted its final state on return.
func (r *Runner) WaitOnRunningQueries(ctx context.Context) error {
	return r.drain.Wait(ctx)
}

// Shutdown refuses new launches, cancels every pair and waits for all tasks.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.CancelAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) track(ctx context.Context, p *pair, task Task, fn func(context.Context) error) {
	defer r.wg.Done()
	err := safeRun(ctx, fn)

	var refreshed *model.Query
	if q, getErr := r.queries.Get(context.WithoutCancel(ctx), p.id); getErr == nil {
		refreshed = q
	}
	if r.opts.OnDone != nil {
		r.opts.OnDone(context.WithoutCancel(ctx), refreshed, task, err)
	}
	if task == TaskAgent {
		terminal := refreshed != nil && refreshed.State.IsTerminal()
		switch {
		case err == nil && !terminal:
			err = fmt.Errorf("query %s: executor returned without a terminal state", p.id)
		case err != nil && terminal && !errors.Is(err, context.Canceled):
			// the monitor still has to report the terminal row
			r.log.Warn().Err(err).Str("query_id", p.id).Str("state", string(refreshed.State)).Msg("executor error after terminal state")
			err = nil
		}
	}
	r.cleanup(p, task, err)
}

// abandon fails a query whose tasks never started so it does not linger in CREATED.
func (r *Runner) abandon(ctx context.Context, queryID string) {
	ctx = context.WithoutCancel(ctx)
	defer r.queries.Forget(queryID)
	for _, state := range []model.QueryState{model.QueryPending, model.QueryFailed} {
		if _, err := r.queries.UpdateState(ctx, queryID, state); err != nil {
			r.log.Error().Err(err).Str("query_id", queryID).Msg("failed to abandon query")
			return
		}
	}
	r.log.Warn().Str("query_id", queryID).Msg("query abandoned before start")
}

// cleanup force-cancels the pair on an unhandled error and unregisters it
// once both tasks have ended.
func (r *Runner) cleanup(p *pair, task Task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch task {
	case TaskAgent:
		p.agentDone = true
	case TaskMonitor:
		p.monitorDone = true
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Str("query_id", p.id).Str("task", string(task)).Msg("query task failed, cancelling pair")
		p.cancel()
	}

	if !p.agentDone || !p.monitorDone {
		return
	}
	p.cancel()
	if r.pairs[p.id] == p {
		delete(r.pairs, p.id)
	}
	r.queries.Forget(p.id)
	if len(r.pairs) == 0 {
		r.drain.Set()
	}
	r.log.Debug().Str("query_id", p.id).Int("remaining", len(r.pairs)).Msg("query pair finished")
}

// monitor reports every observed change of the query until it is terminal.
func (r *Runner) monitor(ctx context.Context, last *model.Query) error {
	for !last.State.IsTerminal() {
		q, err := r.queries.AwaitUpdate(ctx, last.ID, r.opts.MonitorTimeout)
		if err != nil {
			return err
		}
		if q.State == last.State && q.UpdatedAt.Equal(last.UpdatedAt) {
			continue
		}
		last = q
		if r.opts.OnUpdate != nil {
			r.opts.OnUpdate(context.WithoutCancel(ctx), q.Clone())
		}
	}
	r.log.Debug().Str("query_id", last.ID).Str("state", string(last.State)).Msg("monitor exit")
	return nil
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("query task panicked: %v", rec)
		}
	}()
	return fn(ctx)
}
