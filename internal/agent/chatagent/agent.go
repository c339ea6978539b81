package chatagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/notify"
	"github.com/informed-assistant/server/internal/agent/runner"
	logx "github.com/informed-assistant/server/pkg/logger"
)

const (
	defaultIdleTimeout = 20 * time.Minute
	shutdownTimeout    = 30 * time.Second
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("chat agent already started")

// ExitReason tells the owner why the loop ended.
type ExitReason string

const (
	ExitIdle      ExitReason = "idle"
	ExitCancelled ExitReason = "cancelled"
	ExitError     ExitReason = "error"
)

// ChatStore is the part of the chat store the agent needs.
type ChatStore interface {
	GetThread(ctx context.Context, threadID string) (*model.ChatThread, error)
	UpdateMessage(ctx context.Context, msg *model.Message) error
	AddAssistantMessage(ctx context.Context, threadID string, msg *model.Message) (string, error)
	AwaitNewMessage(ctx context.Context, threadID string, timeout time.Duration) (bool, error)
}

// TerminationFunc is called exactly once when the agent's loop ends.
type TerminationFunc func(threadID string, reason ExitReason, err error)

// Agent is the per-conversation control loop. It acknowledges pending user
// messages, keeps at most one query in flight for the thread and turns
// terminal queries into assistant messages.
type Agent struct {
	threadID    string
	chats       ChatStore
	runner      *runner.Runner
	idleTimeout time.Duration
	onTerminate TerminationFunc
	log         zerolog.Logger

	mu      sync.Mutex
	current string
	started bool
	cancel  context.CancelFunc

	done    chan struct{}
	settled *notify.Event
}

func New(
	threadID string,
	chats ChatStore,
	queries runner.QueryStore,
	exec runner.Executor,
	config model.AgentConfig,
	onTerminate TerminationFunc,
) *Agent {
	a := &Agent{
		threadID:    threadID,
		chats:       chats,
		idleTimeout: config.IdleTimeout,
		onTerminate: onTerminate,
		log:         logx.Component("chat_agent").With().Str("chat_thread_id", threadID).Logger(),
		done:        make(chan struct{}),
		settled:     notify.NewEvent(),
	}
	if a.idleTimeout <= 0 {
		a.idleTimeout = defaultIdleTimeout
	}
	a.runner = runner.New(queries, exec, runner.Options{
		MonitorTimeout: config.QueryMonitorTimeout,
		OnUpdate:       a.onQueryUpdate,
		OnDone:         a.onQueryDone,
	})
	return a
}

func (a *Agent) ThreadID() string { return a.threadID }

// Start runs the loop in its own goroutine until ctx is done, Stop is
// called, the thread idles out or an error occurs.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.run(loopCtx)
	a.log.Info().Msg("chat agent started")
	return nil
}

// Stop cancels the loop and waits for it, including its in-flight query, to end.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-a.done:
		a.log.Info().Msg("chat agent stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has ended and the termination callback returned.
func (a *Agent) Done() <-chan struct{} { return a.done }

func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// WaitSettled blocks until the agent has answered every pending message or
// has exited. Each settle releases one wait.
func (a *Agent) WaitSettled(ctx context.Context) error {
	select {
	case <-a.settled.C():
		a.settled.Clear()
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) run(ctx context.Context) {
	reason, err := a.safeLoop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	if serr := a.runner.Shutdown(shutdownCtx); serr != nil {
		a.log.Error().Err(serr).Msg("query runner did not drain")
	}
	cancel()

	switch reason {
	case ExitError:
		a.log.Error().Err(err).Msg("chat agent loop failed")
	default:
		a.log.Info().Str("reason", string(reason)).Msg("chat agent loop ended")
	}
	if a.onTerminate != nil {
		a.onTerminate(a.threadID, reason, err)
	}
	close(a.done)
}

func (a *Agent) safeLoop(ctx context.Context) (reason ExitReason, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reason, err = ExitError, fmt.Errorf("chat agent panicked: %v", rec)
		}
	}()
	err = a.loop(ctx)
	switch {
	case err == nil:
		return ExitIdle, nil
	case ctx.Err() != nil:
		return ExitCancelled, nil
	default:
		return ExitError, err
	}
}

// loop returns nil when the thread idles out.
func (a *Agent) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		thread, err := a.chats.GetThread(ctx, a.threadID)
		if err != nil {
			return fmt.Errorf("load thread: %w", err)
		}

		if pending := thread.PendingMessages(); len(pending) > 0 {
			if err := a.dispatch(ctx, thread, pending); err != nil {
				return err
			}
			continue
		}

		woke, err := a.chats.AwaitNewMessage(ctx, a.threadID, a.idleTimeout)
		if err != nil {
			return err
		}
		if !woke {
			if a.runner.HasRunningQueries() {
				continue
			}
			a.log.Info().Dur("idle_timeout", a.idleTimeout).Msg("no new message, going idle")
			return nil
		}
	}
}

// dispatch acknowledges pending messages, supersedes any in-flight query and
// launches one for the most recent message.
func (a *Agent) dispatch(ctx context.Context, thread *model.ChatThread, pending []*model.Message) error {
	for _, m := range pending {
		m.Acknowledged = true
		if err := a.chats.UpdateMessage(ctx, m); err != nil {
			return fmt.Errorf("acknowledge message %s: %w", m.ID, err)
		}
	}

	if a.runner.HasRunningQueries() {
		a.log.Info().Int("pending", len(pending)).Msg("superseding in-flight query")
		a.setCurrent("")
		a.runner.CancelAll()
	}
	if err := a.runner.WaitOnRunningQueries(ctx); err != nil {
		return err
	}

	latest := pending[len(pending)-1]
	_, err := a.runner.Launch(ctx, runner.LaunchRequest{
		Text:         latest.Content,
		Thread:       thread,
		Instructions: Instructions(latest.RequestedResponseType),
		OnCreated: func(ctx context.Context, q *model.Query) error {
			latest.QueryID = q.ID
			if err := a.chats.UpdateMessage(ctx, latest); err != nil {
				return err
			}
			a.setCurrent(q.ID)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("launch query for message %s: %w", latest.ID, err)
	}
	return nil
}

// onQueryUpdate turns the terminal state of the current query into an
// assistant message. Superseded queries are ignored.
func (a *Agent) onQueryUpdate(ctx context.Context, q *model.Query) {
	if !q.State.IsTerminal() {
		return
	}
	if !a.isCurrent(q.ID) {
		a.log.Debug().Str("query_id", q.ID).Str("state", string(q.State)).Msg("ignoring superseded query")
		return
	}
	log := a.log.With().Str("query_id", q.ID).Str("state", string(q.State)).Logger()

	if q.Answer == "" {
		log.Debug().Msg("query ended without an answer")
		a.settleIfCaughtUp(ctx, q.ID)
		return
	}

	thread, err := a.chats.GetThread(ctx, a.threadID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load thread for answer")
		return
	}
	rt, lang := model.ResponseText, model.English
	if msg := thread.DispatchedMessage(q.ID); msg != nil {
		if msg.RequestedResponseType != "" {
			rt = msg.RequestedResponseType
		}
		if msg.Language != "" {
			lang = msg.Language
		}
	}

	reply := model.NewAssistantMessage(a.threadID, q.ID, q.Answer, rt, lang)
	if _, err := a.chats.AddAssistantMessage(ctx, a.threadID, reply); err != nil {
		log.Error().Err(err).Msg("failed to append assistant message")
		return
	}
	log.Info().Str("message_id", reply.ID).Msg("assistant message added")
	a.settleIfCaughtUp(ctx, q.ID)
}

func (a *Agent) onQueryDone(ctx context.Context, q *model.Query, task runner.Task, err error) {
	if task != runner.TaskAgent || err == nil || errors.Is(err, context.Canceled) || q == nil {
		return
	}
	a.log.Warn().Err(err).Str("query_id", q.ID).Msg("query task exited with error")
	a.settleIfCaughtUp(ctx, q.ID)
}

func (a *Agent) settleIfCaughtUp(ctx context.Context, queryID string) {
	if !a.isCurrent(queryID) {
		return
	}
	thread, err := a.chats.GetThread(ctx, a.threadID)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to load thread")
		return
	}
	if len(thread.PendingMessages()) == 0 {
		a.settled.Set()
	}
}

func (a *Agent) setCurrent(queryID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = queryID
}

func (a *Agent) isCurrent(queryID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return queryID != "" && a.current == queryID
}

// Instructions returns the length and style guidance for a response modality.
func Instructions(rt model.ResponseType) string {
	switch rt {
	case model.ResponseTextMessage:
		return "Restrict the response to 20 words or less"
	case model.ResponseAudio:
		return "This response is going to be converted to audio. Please respond in a way that is easy to understand and concise. Restrict the response to 60 words or less."
	default:
		return "Restrict the response to 80 words or less."
	}
}
