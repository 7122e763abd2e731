package state

import (
	"fmt"
	"slices"
	"time"
)

type typingEntry struct {
	expires time.Time
	gen     uint64
	timer   *time.Timer
}

// ApplyTyping marks userName as typing in the conversation. The entry
// expires on its own after the typing timeout; a stop event is not
// guaranteed to ever arrive.
func (s *Store) ApplyTyping(conversationID, userName string) error {
	if conversationID == "" || userName == "" {
		return fmt.Errorf("%w: conversation id and user name required", ErrInvalidInput)
	}
	return s.mutate(func() []Change {
		users, ok := s.typing[conversationID]
		if !ok {
			users = make(map[string]*typingEntry)
			s.typing[conversationID] = users
		}

		e, existed := users[userName]
		if existed {
			e.timer.Stop()
			e.gen++
		} else {
			e = &typingEntry{}
			users[userName] = e
		}
		e.expires = s.now().Add(s.typingTimeout)
		gen := e.gen
		e.timer = time.AfterFunc(s.typingTimeout, func() {
			s.expireTyping(conversationID, userName, gen)
		})

		if existed {
			return nil
		}
		return []Change{{Topic: TopicTyping, ConversationID: conversationID, UserID: userName}}
	})
}

// ClearTyping removes userName's indicator ahead of its timeout.
func (s *Store) ClearTyping(conversationID, userName string) error {
	return s.mutate(func() []Change {
		if !s.removeTypingLocked(conversationID, userName) {
			return nil
		}
		return []Change{{Topic: TopicTyping, ConversationID: conversationID, UserID: userName}}
	})
}

// expireTyping fires from the entry's timer. gen guards against a timer that
// lost the race with a refresh of the same entry.
func (s *Store) expireTyping(conversationID, userName string, gen uint64) {
	_ = s.mutate(func() []Change {
		e, ok := s.typing[conversationID][userName]
		if !ok || e.gen != gen {
			return nil
		}
		s.removeTypingLocked(conversationID, userName)
		return []Change{{Topic: TopicTyping, ConversationID: conversationID, UserID: userName}}
	})
}

func (s *Store) removeTypingLocked(conversationID, userName string) bool {
	users, ok := s.typing[conversationID]
	if !ok {
		return false
	}
	e, ok := users[userName]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(users, userName)
	if len(users) == 0 {
		delete(s.typing, conversationID)
	}
	return true
}

// Typing returns the names currently typing in the conversation, sorted.
// Entries past their expiry are filtered even if their timer has not run.
func (s *Store) Typing(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var names []string
	for name, e := range s.typing[conversationID] {
		if now.Before(e.expires) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
