package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/informed-assistant/server/internal/agent/chatagent"
	"github.com/informed-assistant/server/internal/agent/conversations"
	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/runner"
	logx "github.com/informed-assistant/server/pkg/logger"
)

// ErrClosed is returned once Shutdown has started.
var ErrClosed = errors.New("conversation supervisor is shut down")

// Supervisor owns one chat agent per active thread. Agents are started on
// demand and forget themselves when their loop ends.
type Supervisor struct {
	base    context.Context
	chats   *conversations.ChatManager
	queries *conversations.QueryManager
	exec    runner.Executor
	config  model.AgentConfig
	log     zerolog.Logger

	mu     sync.Mutex
	agents map[string]*chatagent.Agent
	closed bool
}

// New returns a supervisor whose agents run under base.
func New(
	base context.Context,
	chats *conversations.ChatManager,
	queries *conversations.QueryManager,
	exec runner.Executor,
	config model.AgentConfig,
) *Supervisor {
	return &Supervisor{
		base:    base,
		chats:   chats,
		queries: queries,
		exec:    exec,
		config:  config,
		log:     logx.Component("supervisor"),
		agents:  make(map[string]*chatagent.Agent),
	}
}

// StartThread creates a thread for userID and starts its agent.
func (s *Supervisor) StartThread(ctx context.Context, userID string, initial *model.Message) (*model.ChatThread, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	thread, err := s.chats.CreateThread(ctx, userID, initial)
	if err != nil {
		return nil, err
	}
	if _, err := s.ensureAgent(thread.ID); err != nil {
		return nil, err
	}
	return thread, nil
}

// AddUserMessage appends msg to an existing thread and makes sure an agent
// serves it.
func (s *Supervisor) AddUserMessage(ctx context.Context, threadID string, msg *model.Message) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	id, err := s.chats.AddUserMessage(ctx, threadID, msg)
	if err != nil {
		return "", err
	}
	if _, err := s.ensureAgent(threadID); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Supervisor) GetThread(ctx context.Context, threadID string) (*model.ChatThread, error) {
	return s.chats.GetThread(ctx, threadID)
}

func (s *Supervisor) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return s.chats.GetMessage(ctx, messageID)
}

func (s *Supervisor) ListThreads(ctx context.Context) ([]*model.ChatThread, error) {
	return s.chats.ListThreads(ctx)
}

// LatestQuery returns the user's most recent question with its answer and state.
func (s *Supervisor) LatestQuery(ctx context.Context, userID string) (*model.Query, error) {
	return s.queries.Recent(ctx, userID)
}

// DeleteThread stops the thread's agent and removes the thread.
func (s *Supervisor) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.Stop(ctx, threadID); err != nil {
		return err
	}
	return s.chats.DeleteThread(ctx, threadID)
}

// WaitForResponse blocks until the thread's agent has answered everything
// pending. It returns at once when no agent serves the thread.
func (s *Supervisor) WaitForResponse(ctx context.Context, threadID string) error {
	s.mu.Lock()
	a := s.agents[threadID]
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.WaitSettled(ctx)
}

// Stop stops the thread's agent, if any, and waits for it.
func (s *Supervisor) Stop(ctx context.Context, threadID string) error {
	s.mu.Lock()
	a := s.agents[threadID]
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Stop(ctx)
}

// IsRunning reports whether an agent currently serves threadID.
func (s *Supervisor) IsRunning(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[threadID]
	return ok
}

// ActiveAgents returns the number of live agents.
func (s *Supervisor) ActiveAgents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Shutdown refuses new work and stops every agent in parallel.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	agents := make([]*chatagent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	s.log.Info().Int("agents", len(agents)).Msg("shutting down chat agents")
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			return a.Stop(gctx)
		})
	}
	return g.Wait()
}

// ensureAgent returns the thread's agent, starting one when none is registered.
// A registered agent that is about to exit re-checks pending messages in
// onExit, so a message appended before this call is never stranded.
func (s *Supervisor) ensureAgent(threadID string) (*chatagent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if a, ok := s.agents[threadID]; ok {
		return a, nil
	}

	var a *chatagent.Agent
	a = chatagent.New(threadID, s.chats, s.queries, s.exec, s.config, func(_ string, reason chatagent.ExitReason, err error) {
		s.onExit(a, reason, err)
	})
	if err := a.Start(s.base); err != nil {
		return nil, err
	}
	s.agents[threadID] = a
	s.log.Info().Str("chat_thread_id", threadID).Int("agents", len(s.agents)).Msg("chat agent registered")
	return a, nil
}

func (s *Supervisor) onExit(a *chatagent.Agent, reason chatagent.ExitReason, err error) {
	threadID := a.ThreadID()
	s.mu.Lock()
	if s.agents[threadID] == a {
		delete(s.agents, threadID)
	}
	closed := s.closed
	s.mu.Unlock()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("chat_thread_id", threadID).Str("reason", string(reason)).Msg("chat agent removed")

	if closed || reason != chatagent.ExitIdle {
		return
	}
	thread, gerr := s.chats.GetThread(context.WithoutCancel(s.base), threadID)
	if gerr != nil || len(thread.PendingMessages()) == 0 {
		return
	}
	s.log.Info().Str("chat_thread_id", threadID).Msg("message arrived while idling out, restarting agent")
	if _, rerr := s.ensureAgent(threadID); rerr != nil && !errors.Is(rerr, ErrClosed) {
		s.log.Error().Err(rerr).Str("chat_thread_id", threadID).Msg("failed to restart chat agent")
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
