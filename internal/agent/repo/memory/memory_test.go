package memory

import (
	"context"
	"testing"
	"time"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
	"github.com/stretchr/testify/require"
)

func TestQueryStore_Guard(t *testing.T) {
	s := NewQueryStore()
	ctx := context.Background()
	now := time.Now()

	q := &model.Query{ID: "q1", UserID: "u1", State: model.QueryCreated, CreatedAt: now}
	require.NoError(t, s.Save(ctx, q))
	require.NoError(t, q.Transition(model.QueryPending))
	require.NoError(t, s.Save(ctx, q))
	require.NoError(t, q.Fail("sorry"))
	require.NoError(t, s.Save(ctx, q))

	again := q.Clone()
	again.State = model.QueryProcessing
	require.ErrorIs(t, s.Save(ctx, again), model.ErrIllegalTransition)

	got, err := s.Get(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, model.QueryFailed, got.State)

	got.Answer = "mutated"
	fresh, _ := s.Get(ctx, "q1")
	require.Equal(t, "sorry", fresh.Answer)
}

func TestQueryStore_Latest(t *testing.T) {
	s := NewQueryStore()
	ctx := context.Background()
	now := time.Now()

	got, err := s.Latest(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.Save(ctx, &model.Query{ID: "a", UserID: "u1", State: model.QueryCreated, CreatedAt: now}))
	require.NoError(t, s.Save(ctx, &model.Query{ID: "b", UserID: "u1", State: model.QueryCreated, CreatedAt: now.Add(time.Second)}))

	got, err = s.Latest(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "b", got.ID)

	_, err = s.Get(ctx, "missing")
	require.True(t, errx.IsNotFound(err))
}

func TestChatStore(t *testing.T) {
	s := NewChatStore()
	ctx := context.Background()

	m := model.NewUserMessage("u1", "hi", "", "")
	m.ID, m.ThreadID = "m1", "t1"
	require.NoError(t, s.CreateThread(ctx, &model.ChatThread{ID: "t1", UserID: "u1", Messages: []*model.Message{m}}))

	orphan := model.NewAssistantMessage("t2", "q", "x", model.ResponseText, model.English)
	orphan.ID = "m2"
	require.True(t, errx.IsNotFound(s.AppendMessage(ctx, orphan)))

	ack, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	ack.Acknowledged = true
	require.NoError(t, s.UpdateMessage(ctx, ack))

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, thread.PendingMessages())

	threads, err := s.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	require.NoError(t, s.DeleteThread(ctx, "t1"))
	_, err = s.GetMessage(ctx, "m1")
	require.True(t, errx.IsNotFound(err))
}

func TestUserAndSnapshotStores(t *testing.T) {
	ctx := context.Background()
	users := NewUserStore(&model.User{ID: "u1", ZipCode: "10001"})

	u, err := users.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "10001", u.ZipCode)
	_, err = users.GetUser(ctx, "u2")
	require.True(t, errx.IsNotFound(err))

	snaps := NewSnapshotStore()
	_, err = snaps.Snapshot(ctx, "10001")
	require.True(t, errx.IsNotFound(err))
	require.NoError(t, snaps.SaveSnapshot(ctx, &model.WeatherSnapshot{ZipCode: "10001", Condition: "Clear"}))
	s, err := snaps.Snapshot(ctx, "10001")
	require.NoError(t, err)
	require.Equal(t, "Clear", s.Condition)
}
