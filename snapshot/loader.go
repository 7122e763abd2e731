package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/state"
)

const (
	DefaultPageSize     = 30
	DefaultFetchTimeout = 30 * time.Second
)

// ErrStaleResponse is returned when a fetch completes after its session was
// torn down. The result has been discarded.
var ErrStaleResponse = errors.New("stale snapshot response")

// EffectsFunc receives the follow-up work a snapshot merge asked for.
type EffectsFunc func(conversationID string, fx state.Effects)

type LoaderConfig struct {
	Source   Source
	Store    *state.Store
	PageSize int
	// Timeout bounds a shared fetch. Coalesced callers do not share each
	// other's cancellation.
	Timeout time.Duration
	// Viewer is read at merge time, never at construction.
	Viewer func() model.Viewer
	// Alive reports whether the owning session still exists.
	Alive     func() bool
	OnEffects EffectsFunc
	Log       *slog.Logger
}

// Loader fetches snapshots and merges them into the store. It is safe to
// call concurrently: merges are idempotent by ID, so overlapping loads
// commute, and identical in-flight loads are coalesced.
type Loader struct {
	source    Source
	store     *state.Store
	pageSize  int
	timeout   time.Duration
	viewer    func() model.Viewer
	alive     func() bool
	onEffects EffectsFunc
	group     singleflight.Group
	log       *slog.Logger
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Viewer == nil {
		cfg.Viewer = func() model.Viewer { return model.Viewer{} }
	}
	if cfg.Alive == nil {
		cfg.Alive = func() bool { return true }
	}
	if cfg.OnEffects == nil {
		cfg.OnEffects = func(string, state.Effects) {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Loader{
		source:    cfg.Source,
		store:     cfg.Store,
		pageSize:  cfg.PageSize,
		timeout:   cfg.Timeout,
		viewer:    cfg.Viewer,
		alive:     cfg.Alive,
		onEffects: cfg.OnEffects,
		log:       cfg.Log.With("module", "snapshot"),
	}
}

func (l *Loader) PageSize() int { return l.pageSize }

// do runs fn once for every concurrent caller sharing key. The fetch runs
// detached from any single caller and is bounded by the loader timeout;
// each caller still returns as soon as its own ctx is done.
func (l *Loader) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ch := l.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return nil, fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stale reports whether a result that just arrived must be dropped.
func (l *Loader) stale(what string) bool {
	if l.alive() && !l.store.Closed() {
		return false
	}
	l.log.Debug("discarding stale snapshot response", "snapshot", what)
	return true
}

// LoadConversations fetches the conversation list and merges every summary
// with its server-confirmed unread count.
func (l *Loader) LoadConversations(ctx context.Context) error {
	fence := l.store.Fence()
	key := "conversations:" + strconv.FormatUint(uint64(fence), 10)

	return l.do(ctx, key, func(ctx context.Context) error {
		summaries, err := l.source.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if l.stale("conversations") {
			return ErrStaleResponse
		}
		return l.merge(l.store.ApplyConversationSnapshot(fence, summaries...))
	})
}

// LoadMessages fetches one page of a conversation and merges it by ID, so
// live messages that arrived meanwhile stay in place.
func (l *Loader) LoadMessages(ctx context.Context, conversationID string, page, pageSize int) error {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = l.pageSize
	}
	key := fmt.Sprintf("messages:%s:%d:%d", conversationID, page, pageSize)

	return l.do(ctx, key, func(ctx context.Context) error {
		msgs, err := l.source.ListMessages(ctx, conversationID, page, pageSize)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if l.stale("messages") {
			return ErrStaleResponse
		}
		fx, err := l.store.ApplyMessages(l.viewer(), conversationID, msgs)
		if err := l.merge(err); err != nil {
			return err
		}
		if fx != (state.Effects{}) {
			l.onEffects(conversationID, fx)
		}
		return nil
	})
}

// LoadUnseenNotifications fetches the unseen list and merges it by ID.
// Entries the store already holds from the credential blob or a live push
// are kept once.
func (l *Loader) LoadUnseenNotifications(ctx context.Context) error {
	return l.do(ctx, "notifications", func(ctx context.Context) error {
		notifs, err := l.source.ListUnseenNotifications(ctx)
		if err != nil {
			return fmt.Errorf("list unseen notifications: %w", err)
		}
		if l.stale("notifications") {
			return ErrStaleResponse
		}
		for _, n := range notifs {
			// malformed entries are logged by the store and skipped
			if _, err := l.store.ApplyNotification(n); errors.Is(err, state.ErrClosed) {
				return ErrStaleResponse
			}
		}
		return nil
	})
}

// Reload refreshes everything a reconnect may have missed: summaries first,
// so their confirmed counts are in place, then the open conversation's
// latest page and the unseen notifications in parallel.
func (l *Loader) Reload(ctx context.Context) error {
	if err := l.LoadConversations(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if active := l.viewer().ActiveConversationID; active != "" {
		g.Go(func() error {
			return l.LoadMessages(gctx, active, 1, l.pageSize)
		})
	}
	g.Go(func() error {
		return l.LoadUnseenNotifications(gctx)
	})
	return g.Wait()
}

// merge maps a store error onto the loader's vocabulary.
func (l *Loader) merge(err error) error {
	if errors.Is(err, state.ErrClosed) {
		l.log.Debug("store closed while merging snapshot")
		return ErrStaleResponse
	}
	return err
}
