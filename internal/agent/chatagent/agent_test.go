package chatagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/informed-assistant/server/internal/agent/contextbuilder"
	"github.com/informed-assistant/server/internal/agent/conversations"
	"github.com/informed-assistant/server/internal/agent/executor"
	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/repo"
	"github.com/informed-assistant/server/internal/agent/repo/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type completerFunc func(ctx context.Context, req model.CompletionRequest) (json.RawMessage, error)

func (f completerFunc) Complete(ctx context.Context, req model.CompletionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

func answerJSON(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"answer": s})
	return b
}

// questionOf extracts the question from the rendered user prompt.
func questionOf(req model.CompletionRequest) string {
	start := strings.Index(req.UserPrompt, "<query>\n")
	end := strings.Index(req.UserPrompt, "\n</query>")
	if start < 0 || end < 0 {
		return ""
	}
	return req.UserPrompt[start+len("<query>\n") : end]
}

type env struct {
	chats   *conversations.ChatManager
	queries *conversations.QueryManager
	exec    *executor.Executor
}

func newEnv(t *testing.T, completer model.Completer) *env {
	t.Helper()
	return newEnvWith(t, memory.NewQueryStore(), memory.NewChatStore(), completer)
}

// newRedisEnv keeps queries and threads in miniredis, where a cancelled ctx
// fails store calls.
func newRedisEnv(t *testing.T, completer model.Completer) *env {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newEnvWith(t,
		repo.NewRedisQueryRepository(rdb, time.Hour),
		repo.NewRedisChatRepository(rdb, time.Hour),
		completer,
	)
}

func newEnvWith(t *testing.T, queryRepo model.QueryRepository, chatRepo model.ChatRepository, completer model.Completer) *env {
	t.Helper()
	cfg := model.AgentConfig{UpdateEventTTL: time.Minute}
	snaps := memory.NewSnapshotStore()
	require.NoError(t, snaps.SaveSnapshot(context.Background(), &model.WeatherSnapshot{ZipCode: "94103", Condition: "Clear", AQI: 1}))

	queries := conversations.NewQueryManager(queryRepo, cfg)
	return &env{
		chats:   conversations.NewChatManager(chatRepo, cfg),
		queries: queries,
		exec: executor.New(executor.Deps{
			Queries:   queries,
			Users:     memory.NewUserStore(&model.User{ID: "u1", ZipCode: "94103"}),
			Context:   contextbuilder.NewSnapshotBuilder(snaps),
			Completer: completer,
		}, model.PromptConfig{SourceURL: "https://api.weather.gov"}),
	}
}

type terminations struct {
	mu      sync.Mutex
	count   int
	reasons []ExitReason
	errs    []error
}

func (tr *terminations) record(_ string, reason ExitReason, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.count++
	tr.reasons = append(tr.reasons, reason)
	tr.errs = append(tr.errs, err)
}

func (tr *terminations) snapshot() (int, []ExitReason, []error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.count, append([]ExitReason(nil), tr.reasons...), append([]error(nil), tr.errs...)
}

func (e *env) startAgent(t *testing.T, threadID string, idle time.Duration, tr *terminations) *Agent {
	t.Helper()
	var onTerm TerminationFunc
	if tr != nil {
		onTerm = tr.record
	}
	a := New(threadID, e.chats, e.queries, e.exec, model.AgentConfig{
		IdleTimeout:         idle,
		QueryMonitorTimeout: time.Second,
	}, onTerm)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Stop(ctx))
	})
	return a
}

func (e *env) newThread(t *testing.T, text string, rt model.ResponseType) *model.ChatThread {
	t.Helper()
	var initial *model.Message
	if text != "" {
		initial = model.NewUserMessage("u1", text, rt, model.English)
	}
	thread, err := e.chats.CreateThread(context.Background(), "u1", initial)
	require.NoError(t, err)
	return thread
}

func (e *env) assistantMessages(t *testing.T, threadID string) []*model.Message {
	t.Helper()
	thread, err := e.chats.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	var out []*model.Message
	for _, m := range thread.Messages {
		if m.IsAssistant() {
			out = append(out, m)
		}
	}
	return out
}

func waitSettled(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitSettled(ctx))
}

func TestAnswerIsAppended(t *testing.T) {
	e := newEnv(t, completerFunc(func(context.Context, model.CompletionRequest) (json.RawMessage, error) {
		return answerJSON("Yes, air quality is good today."), nil
	}))
	thread := e.newThread(t, "Is it safe to walk outside?", model.ResponseText)
	a := e.startAgent(t, thread.ID, time.Minute, nil)

	waitSettled(t, a)

	replies := e.assistantMessages(t, thread.ID)
	require.Len(t, replies, 1)
	require.Equal(t, "Yes, air quality is good today.", replies[0].Content)
	require.Equal(t, model.ResponseText, replies[0].ResponseType)

	q, err := e.queries.Recent(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, model.QueryCompleted, q.State)
	require.Equal(t, replies[0].QueryID, q.ID)
	require.True(t, a.IsRunning())
}

func TestReplyKeepsModalityAndLanguage(t *testing.T) {
	var instructions atomic.Value
	e := newEnv(t, completerFunc(func(_ context.Context, req model.CompletionRequest) (json.RawMessage, error) {
		instructions.Store(req.SystemPrompt)
		return answerJSON("Sí."), nil
	}))
	thread, err := e.chats.CreateThread(context.Background(), "u1",
		model.NewUserMessage("u1", "¿Llueve?", model.ResponseTextMessage, model.Spanish))
	require.NoError(t, err)
	a := e.startAgent(t, thread.ID, time.Minute, nil)

	waitSettled(t, a)

	replies := e.assistantMessages(t, thread.ID)
	require.Len(t, replies, 1)
	require.Equal(t, model.ResponseTextMessage, replies[0].ResponseType)
	require.Equal(t, model.Spanish, replies[0].Language)
	require.Contains(t, instructions.Load().(string), "20 words or less")
}

func TestLatestMessageSupersedes(t *testing.T) {
	testLatestMessageSupersedes(t, newEnv)
}

func TestLatestMessageSupersedesOnRedis(t *testing.T) {
	testLatestMessageSupersedes(t, newRedisEnv)
}

func testLatestMessageSupersedes(t *testing.T, newEnv func(*testing.T, model.Completer) *env) {
	firstStarted := make(chan struct{})
	e := newEnv(t, completerFunc(func(ctx context.Context, req model.CompletionRequest) (json.RawMessage, error) {
		if questionOf(req) == "M1" {
			close(firstStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return answerJSON("answer to " + questionOf(req)), nil
	}))
	thread := e.newThread(t, "M1", model.ResponseText)
	a := e.startAgent(t, thread.ID, time.Minute, nil)

	<-firstStarted
	_, err := e.chats.AddUserMessage(context.Background(), thread.ID, model.NewUserMessage("u1", "M2", model.ResponseText, model.English))
	require.NoError(t, err)

	waitSettled(t, a)

	replies := e.assistantMessages(t, thread.ID)
	require.Len(t, replies, 1)
	require.Equal(t, "answer to M2", replies[0].Content)

	got, err := e.chats.GetThread(context.Background(), thread.ID)
	require.NoError(t, err)
	m1 := got.Messages[0]
	require.Equal(t, "M1", m1.Content)
	require.True(t, m1.Acknowledged)
	q1, err := e.queries.Get(context.Background(), m1.QueryID)
	require.NoError(t, err)
	require.Equal(t, model.QueryCancelled, q1.State)
	require.Empty(t, got.PendingMessages())
}

func TestUnknownUserGetsFallbackReply(t *testing.T) {
	for name, newEnv := range map[string]func(*testing.T, model.Completer) *env{
		"memory": newEnv,
		"redis":  newRedisEnv,
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, completerFunc(func(context.Context, model.CompletionRequest) (json.RawMessage, error) {
				return answerJSON("unused"), nil
			}))
			thread, err := e.chats.CreateThread(context.Background(), "ghost",
				model.NewUserMessage("ghost", "Is it safe to walk outside?", model.ResponseText, model.English))
			require.NoError(t, err)
			a := e.startAgent(t, thread.ID, time.Minute, nil)

			waitSettled(t, a)

			replies := e.assistantMessages(t, thread.ID)
			require.Len(t, replies, 1)
			require.Equal(t, executor.FallbackAnswer, replies[0].Content)

			q, err := e.queries.Get(context.Background(), replies[0].QueryID)
			require.NoError(t, err)
			require.Equal(t, model.QueryFailed, q.State)
		})
	}
}

func TestFailureDoesNotStopAgent(t *testing.T) {
	e := newEnv(t, completerFunc(func(_ context.Context, req model.CompletionRequest) (json.RawMessage, error) {
		if questionOf(req) == "first" {
			return nil, errors.New("completion api exploded")
		}
		return answerJSON("Bring sunscreen."), nil
	}))
	thread := e.newThread(t, "first", model.ResponseText)
	a := e.startAgent(t, thread.ID, time.Minute, nil)

	waitSettled(t, a)
	replies := e.assistantMessages(t, thread.ID)
	require.Len(t, replies, 1)
	require.Equal(t, executor.FallbackAnswer, replies[0].Content)
	q, err := e.queries.Get(context.Background(), replies[0].QueryID)
	require.NoError(t, err)
	require.Equal(t, model.QueryFailed, q.State)
	require.True(t, a.IsRunning())

	_, err = e.chats.AddUserMessage(context.Background(), thread.ID, model.NewUserMessage("u1", "second", model.ResponseText, model.English))
	require.NoError(t, err)
	waitSettled(t, a)

	replies = e.assistantMessages(t, thread.ID)
	require.Len(t, replies, 2)
	require.Equal(t, "Bring sunscreen.", replies[1].Content)
}

func TestIdleTimeoutTerminatesOnce(t *testing.T) {
	e := newEnv(t, completerFunc(func(context.Context, model.CompletionRequest) (json.RawMessage, error) {
		return answerJSON("unused"), nil
	}))
	thread := e.newThread(t, "", "")
	tr := &terminations{}
	a := e.startAgent(t, thread.ID, 50*time.Millisecond, tr)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not idle out")
	}

	count, reasons, errs := tr.snapshot()
	require.Equal(t, 1, count)
	require.Equal(t, []ExitReason{ExitIdle}, reasons)
	require.NoError(t, errs[0])
	require.False(t, a.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.WaitSettled(ctx), "waiting on an exited agent returns")
}

func TestSingleFlightPerThread(t *testing.T) {
	var inflight, maxInflight, calls int32
	e := newEnv(t, completerFunc(func(ctx context.Context, req model.CompletionRequest) (json.RawMessage, error) {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		atomic.AddInt32(&calls, 1)
		for {
			m := atomic.LoadInt32(&maxInflight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
			return answerJSON("answer to " + questionOf(req)), nil
		}
	}))
	thread := e.newThread(t, "q0", model.ResponseText)
	a := e.startAgent(t, thread.ID, time.Minute, nil)

	for _, text := range []string{"q1", "q2", "q3"} {
		time.Sleep(10 * time.Millisecond)
		_, err := e.chats.AddUserMessage(context.Background(), thread.ID, model.NewUserMessage("u1", text, model.ResponseText, model.English))
		require.NoError(t, err)
	}

	waitSettled(t, a)
	require.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))

	replies := e.assistantMessages(t, thread.ID)
	require.NotEmpty(t, replies)
	require.Equal(t, "answer to q3", replies[len(replies)-1].Content)

	// acknowledged messages are never dispatched again
	before := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestStopCancelsInFlightQuery(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, completerFunc(func(ctx context.Context, _ model.CompletionRequest) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	thread := e.newThread(t, "slow question", model.ResponseText)
	tr := &terminations{}
	a := e.startAgent(t, thread.ID, time.Minute, tr)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	count, reasons, _ := tr.snapshot()
	require.Equal(t, 1, count)
	require.Equal(t, ExitCancelled, reasons[0])

	q, err := e.queries.Recent(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, model.QueryCancelled, q.State)
	require.Empty(t, e.assistantMessages(t, thread.ID))
}

func TestMissingThreadIsAnError(t *testing.T) {
	e := newEnv(t, completerFunc(func(context.Context, model.CompletionRequest) (json.RawMessage, error) {
		return answerJSON("unused"), nil
	}))
	tr := &terminations{}
	a := e.startAgent(t, "no-such-thread", time.Minute, tr)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
	}
	count, reasons, errs := tr.snapshot()
	require.Equal(t, 1, count)
	require.Equal(t, ExitError, reasons[0])
	require.Error(t, errs[0])
}

func TestStartTwice(t *testing.T) {
	e := newEnv(t, nil)
	thread := e.newThread(t, "", "")
	a := e.startAgent(t, thread.ID, time.Minute, nil)
	require.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

func TestInstructions(t *testing.T) {
	require.Equal(t, "Restrict the response to 20 words or less", Instructions(model.ResponseTextMessage))
	require.Contains(t, Instructions(model.ResponseAudio), "converted to audio")
	require.Contains(t, Instructions(model.ResponseAudio), "60 words or less")
	require.Equal(t, "Restrict the response to 80 words or less.", Instructions(model.ResponseText))
	require.Equal(t, Instructions(model.ResponseText), Instructions(""))
}
