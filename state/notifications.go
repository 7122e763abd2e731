package state

import (
	"fmt"
	"slices"

	"github.com/clinicdesk/realtime/model"
)

// ApplyNotification appends n to the unseen list unless its ID is already
// there or was acknowledged. The same notification may arrive from the
// persisted credential blob, a REST page and a live push; only the first one
// lands. It reports whether the list changed.
func (s *Store) ApplyNotification(n model.Notification) (bool, error) {
	if err := model.Validate(n); err != nil {
		s.log.Warn("dropping malformed notification", "notificationId", n.ID, "error", err)
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if n.Read {
		return false, nil
	}

	added := false
	err := s.mutate(func() []Change {
		if _, ok := s.notifIndex[n.ID]; ok {
			return nil
		}
		if _, ok := s.acked[n.ID]; ok {
			return nil
		}
		s.notifications = append(s.notifications, n)
		s.notifIndex[n.ID] = struct{}{}
		added = true
		return []Change{{Topic: TopicNotifications}}
	})
	return added, err
}

// AckNotification removes one notification. Acknowledgement is the only
// way entries leave the unseen list.
func (s *Store) AckNotification(id string) (bool, error) {
	removed := false
	err := s.mutate(func() []Change {
		if _, ok := s.notifIndex[id]; !ok {
			return nil
		}
		s.notifications = slices.DeleteFunc(s.notifications, func(n model.Notification) bool {
			return n.ID == id
		})
		delete(s.notifIndex, id)
		s.acked[id] = struct{}{}
		removed = true
		return []Change{{Topic: TopicNotifications}}
	})
	return removed, err
}

// AckAllNotifications empties the unseen list and returns how many entries
// it held.
func (s *Store) AckAllNotifications() (int, error) {
	n := 0
	err := s.mutate(func() []Change {
		n = len(s.notifications)
		if n == 0 {
			return nil
		}
		for id := range s.notifIndex {
			s.acked[id] = struct{}{}
		}
		s.notifications = nil
		clear(s.notifIndex)
		return []Change{{Topic: TopicNotifications}}
	})
	return n, err
}

// UnseenNotifications returns the unseen list, newest first.
func (s *Store) UnseenNotifications() []model.Notification {
	s.mu.Lock()
	out := slices.Clone(s.notifications)
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b model.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func (s *Store) UnseenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}
