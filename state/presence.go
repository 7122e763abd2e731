package state

import (
	"fmt"

	"github.com/clinicdesk/realtime/model"
)

// ApplyPresence records the latest online state for userID. Last write wins
// in arrival order.
func (s *Store) ApplyPresence(userID string, online bool) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	return s.mutate(func() []Change {
		prev, known := s.presence[userID]
		s.presence[userID] = model.PresenceEntry{UserID: userID, Online: online, UpdatedAt: s.now()}
		if known && prev.Online == online {
			return nil
		}
		return []Change{{Topic: TopicPresence, UserID: userID}}
	})
}

// Presence reports whether userID is online. known is false when no event
// has been seen for the user, which means unknown rather than offline.
func (s *Store) Presence(userID string) (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.presence[userID]
	return e.Online, ok
}

func (s *Store) PresenceEntries() []model.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PresenceEntry, 0, len(s.presence))
	for _, e := range s.presence {
		out = append(out, e)
	}
	return out
}
