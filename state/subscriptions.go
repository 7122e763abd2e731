package state

import (
	"sync"

	"github.com/google/uuid"
)

// Topic names the slice of state a Change touched.
type Topic string

const (
	TopicConversations Topic = "conversations"
	TopicMessages      Topic = "messages"
	TopicNotifications Topic = "notifications"
	TopicPresence      Topic = "presence"
	TopicTyping        Topic = "typing"
)

// Change tells subscribers what to re-read. It carries no state itself.
type Change struct {
	Topic          Topic
	ConversationID string
	UserID         string
}

// ChangeFunc receives changes after the mutation that caused them has
// finished. It may read the store but must not block for long.
type ChangeFunc func(Change)

type subscription struct {
	id string
	fn ChangeFunc
}

// subscriptions is the store's observer registry.
type subscriptions struct {
	idPrefix string

	mu   sync.RWMutex
	subs map[string]*subscription
}

func newSubscriptions(idPrefix string) *subscriptions {
	return &subscriptions{
		idPrefix: idPrefix,
		subs:     make(map[string]*subscription),
	}
}

func (s *subscriptions) add(fn ChangeFunc) string {
	id := s.idPrefix + "_" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = &subscription{id: id, fn: fn}
	return id
}

func (s *subscriptions) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

func (s *subscriptions) removeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.subs)
}

func (s *subscriptions) snapshot() []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *subscriptions) notifyAll(changes []Change) {
	if len(changes) == 0 {
		return
	}
	subs := s.snapshot()
	for _, c := range changes {
		for _, sub := range subs {
			sub.fn(c)
		}
	}
}
