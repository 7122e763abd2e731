package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/snapshot/mocks"
	"github.com/clinicdesk/realtime/state"
)

var t0 = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

type loaderEnv struct {
	source  *mocks.MockSource
	store   *state.Store
	loader  *Loader
	alive   atomic.Bool
	active  string
	effects []state.Effects
}

func newLoaderEnv(t *testing.T) *loaderEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &loaderEnv{
		source: mocks.NewMockSource(ctrl),
		store:  state.New(state.Options{Log: log}),
	}
	env.alive.Store(true)
	env.loader = NewLoader(LoaderConfig{
		Source:   env.source,
		Store:    env.store,
		PageSize: 20,
		Viewer: func() model.Viewer {
			return model.Viewer{UserID: "doctor-1", ActiveConversationID: env.active}
		},
		Alive: env.alive.Load,
		OnEffects: func(_ string, fx state.Effects) {
			env.effects = append(env.effects, fx)
		},
		Log: log,
	})
	return env
}

func message(id string, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: "c1", SenderID: "patient-7", Body: id, CreatedAt: at}
}

func TestLoader_LoadConversations(t *testing.T) {
	env := newLoaderEnv(t)
	env.source.EXPECT().ListConversations(gomock.Any()).Return([]model.ConversationSummary{
		{ID: "c1", LastMessage: "hi", LastMessageAt: t0, UnreadCount: 2, UnreadConfirmed: true},
		{ID: "c2", LastMessageAt: t0.Add(-time.Hour), UnreadCount: 0, UnreadConfirmed: true},
	}, nil)

	require.NoError(t, env.loader.LoadConversations(context.Background()))

	convs := env.store.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
}

func TestLoader_SourceError(t *testing.T) {
	env := newLoaderEnv(t)
	boom := errors.New("connection refused")
	env.source.EXPECT().ListConversations(gomock.Any()).Return(nil, boom)

	err := env.loader.LoadConversations(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestLoader_StaleResponseDiscarded(t *testing.T) {
	env := newLoaderEnv(t)
	env.source.EXPECT().ListConversations(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]model.ConversationSummary, error) {
		env.alive.Store(false) // session torn down while the request was in flight
		return []model.ConversationSummary{{ID: "c1", UnreadCount: 4, UnreadConfirmed: true}}, nil
	})

	err := env.loader.LoadConversations(context.Background())
	assert.ErrorIs(t, err, ErrStaleResponse)
	assert.Empty(t, env.store.Conversations())
}

func TestLoader_CoalescedCallerOutlivesCanceledOne(t *testing.T) {
	env := newLoaderEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.source.EXPECT().ListConversations(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]model.ConversationSummary, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []model.ConversationSummary{{ID: "c1", UnreadCount: 1, UnreadConfirmed: true}}, nil
	}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- env.loader.LoadConversations(ctx) }()
	<-started

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	go func() { second <- env.loader.LoadConversations(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-second)
	assert.Equal(t, 1, env.store.Unread("c1"))
}

func TestLoader_StoreClosedMidFlight(t *testing.T) {
	env := newLoaderEnv(t)
	env.source.EXPECT().ListUnseenNotifications(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]model.Notification, error) {
		env.store.Close()
		return []model.Notification{{ID: "n1", Message: "lab results ready"}}, nil
	})

	err := env.loader.LoadUnseenNotifications(context.Background())
	assert.ErrorIs(t, err, ErrStaleResponse)
	assert.Empty(t, env.store.UnseenNotifications())
}

func TestLoader_LoadMessagesMergesWithLive(t *testing.T) {
	env := newLoaderEnv(t)
	env.active = "c1"

	live := message("m3", t0.Add(3*time.Second))
	_, err := env.store.ApplyNewMessage(model.Viewer{UserID: "doctor-1", ActiveConversationID: "c1"}, "c1", live)
	require.NoError(t, err)

	env.source.EXPECT().ListMessages(gomock.Any(), "c1", 1, 20).Return([]model.Message{
		message("m1", t0.Add(1*time.Second)),
		message("m2", t0.Add(2*time.Second)),
	}, nil)

	require.NoError(t, env.loader.LoadMessages(context.Background(), "c1", 0, 0))

	msgs := env.store.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, 0, env.store.Unread("c1"))
	assert.Equal(t, []state.Effects{{ReadAck: true}}, env.effects)
}

func TestLoader_NotificationsMergeWithExisting(t *testing.T) {
	env := newLoaderEnv(t)
	_, err := env.store.ApplyNotification(model.Notification{ID: "n1", Message: "from blob"})
	require.NoError(t, err)

	env.source.EXPECT().ListUnseenNotifications(gomock.Any()).Return([]model.Notification{
		{ID: "n1", Message: "from rest"},
		{ID: "n2", Message: "new"},
		{ID: "", Message: "broken"},
	}, nil)

	require.NoError(t, env.loader.LoadUnseenNotifications(context.Background()))

	got := env.store.UnseenNotifications()
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids)
}

func TestLoader_ReloadOrder(t *testing.T) {
	env := newLoaderEnv(t)
	env.active = "c1"

	convCall := env.source.EXPECT().ListConversations(gomock.Any()).Return([]model.ConversationSummary{
		{ID: "c1", LastMessage: "m3", LastMessageAt: t0.Add(3 * time.Second), UnreadCount: 3, UnreadConfirmed: true},
	}, nil)
	env.source.EXPECT().ListMessages(gomock.Any(), "c1", 1, 20).Return([]model.Message{
		message("m1", t0.Add(1*time.Second)),
		message("m2", t0.Add(2*time.Second)),
		message("m3", t0.Add(3*time.Second)),
	}, nil).After(convCall)
	env.source.EXPECT().ListUnseenNotifications(gomock.Any()).Return(nil, nil).After(convCall)

	require.NoError(t, env.loader.Reload(context.Background()))
	assert.Len(t, env.store.Messages("c1"), 3)
}

func TestLoader_ReloadWithoutActiveConversation(t *testing.T) {
	env := newLoaderEnv(t)

	env.source.EXPECT().ListConversations(gomock.Any()).Return(nil, nil)
	env.source.EXPECT().ListUnseenNotifications(gomock.Any()).Return(nil, nil)

	require.NoError(t, env.loader.Reload(context.Background()))
}

func TestLoader_ReloadStopsOnConversationError(t *testing.T) {
	env := newLoaderEnv(t)
	env.source.EXPECT().ListConversations(gomock.Any()).Return(nil, &StatusError{Method: "GET", Path: "/conversations", Code: 503})

	err := env.loader.Reload(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)
}
