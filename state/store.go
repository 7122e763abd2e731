// Package state is the in-memory, observable store the realtime client reads
// from. Every mutation goes through an idempotent merge operation shared by
// live channel events and REST snapshots, so both sources converge on the
// same shape.
package state

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicdesk/realtime/model"
)

const DefaultTypingTimeout = 4 * time.Second

var (
	// ErrClosed is returned by merges applied after the session tore the
	// store down. The input is discarded.
	ErrClosed = errors.New("state store closed")

	// ErrInvalidInput is returned for payloads missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Effects lists follow-up work a merge asks its caller to perform. Merges
// never do I/O themselves.
type Effects struct {
	// ReadAck asks the caller to acknowledge the conversation as read with
	// the server: a message landed in the viewer's open conversation.
	ReadAck bool
	// Refetch asks the caller to reload conversation summaries: a read was
	// applied optimistically and the server may disagree.
	Refetch bool
}

// ReadFence orders snapshot fetches against local reads. Capture it with
// Store.Fence before a fetch starts and hand it back with the results.
type ReadFence uint64

type Options struct {
	TypingTimeout time.Duration
	Now           func() time.Time
	Log           *slog.Logger
}

// Store holds conversations, messages, notifications, presence and typing
// state for one session. All merges serialize on a single mutex, so no two
// merges interleave mid-mutation.
type Store struct {
	mu sync.Mutex

	closed        bool
	readEpoch     uint64
	conversations map[string]*conversation
	notifications []model.Notification
	notifIndex    map[string]struct{}
	acked         map[string]struct{}
	presence      map[string]model.PresenceEntry
	typing        map[string]map[string]*typingEntry

	typingTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger
	subs          *subscriptions
}

func New(opts Options) *Store {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Store{
		conversations: make(map[string]*conversation),
		notifIndex:    make(map[string]struct{}),
		acked:         make(map[string]struct{}),
		presence:      make(map[string]model.PresenceEntry),
		typing:        make(map[string]map[string]*typingEntry),
		typingTimeout: opts.TypingTimeout,
		now:           opts.Now,
		log:           opts.Log.With("module", "state"),
		subs:          newSubscriptions("st"),
	}
}

// Subscribe registers fn for every change and returns its subscription ID.
func (s *Store) Subscribe(fn ChangeFunc) string {
	return s.subs.add(fn)
}

func (s *Store) Unsubscribe(id string) bool {
	return s.subs.remove(id)
}

// Close stops typing timers, drops subscribers and rejects later merges.
// Reads keep returning the last state.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, users := range s.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.subs.removeAll()
}

func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fence returns the current read fence.
func (s *Store) Fence() ReadFence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFence(s.readEpoch)
}

// mutate runs fn under the store lock and publishes the changes it reports
// once the lock is released.
func (s *Store) mutate(fn func() []Change) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changes := fn()
	s.mu.Unlock()

	s.subs.notifyAll(changes)
	return nil
}
