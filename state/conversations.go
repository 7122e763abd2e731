package state

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/clinicdesk/realtime/model"
)

// conversation is the reconciled state of one conversation.
//
// Unread accounting: base is the last server-confirmed count and confirmed
// the position it was valid at. pending holds the messages first seen since
// the last read that the confirmed count does not cover, keyed by ID so a
// redelivery never counts twice. readAt is the newest position known when
// the viewer last read the conversation.
type conversation struct {
	id            string
	participants  []string
	title         string
	lastMessage   string
	lastMessageAt time.Time
	lastCursor    cursor

	messages []model.Message
	index    map[string]struct{}

	base      int
	confirmed cursor
	pending   map[string]cursor
	readAt    cursor
	readEpoch uint64
}

func newConversation(id string) *conversation {
	return &conversation{
		id:      id,
		index:   make(map[string]struct{}),
		pending: make(map[string]cursor),
	}
}

func (c *conversation) unread() int {
	return c.base + len(c.pending)
}

func (c *conversation) view() model.Conversation {
	return model.Conversation{
		ID:            c.id,
		Participants:  slices.Clone(c.participants),
		Title:         c.title,
		LastMessage:   c.lastMessage,
		LastMessageAt: c.lastMessageAt,
		UnreadCount:   c.unread(),
	}
}

// insert places msg in sequence order. It reports false if the ID is
// already present.
func (c *conversation) insert(msg model.Message) bool {
	if _, ok := c.index[msg.ID]; ok {
		return false
	}
	i := sort.Search(len(c.messages), func(i int) bool {
		return msg.Before(c.messages[i])
	})
	c.messages = slices.Insert(c.messages, i, msg)
	c.index[msg.ID] = struct{}{}
	return true
}

// advanceSummary moves the last-message fields forward. Older messages
// never overwrite a newer summary.
func (c *conversation) advanceSummary(body string, at cursor) bool {
	if at.at.Before(c.lastMessageAt) {
		return false
	}
	c.lastMessage = body
	c.lastMessageAt = at.at
	c.lastCursor = at
	return true
}

// markRead zeroes the count and records the newest position known.
func (c *conversation) markRead() {
	readAt := latest(c.readAt, c.lastCursor)
	if n := len(c.messages); n > 0 {
		readAt = latest(readAt, messageCursor(c.messages[n-1]))
	}
	c.readAt = readAt
	c.base = 0
	clear(c.pending)
}

// confirm installs a server-confirmed count valid as of at.
func (c *conversation) confirm(count int, at cursor) {
	c.base = count
	c.confirmed = at
	for id, pos := range c.pending {
		if at.covers(pos) {
			delete(c.pending, id)
		}
	}
}

func (s *Store) conversationLocked(id string) *conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = newConversation(id)
		s.conversations[id] = c
	}
	return c
}

// ApplyNewMessage merges one message into its conversation.
//
// The message is inserted by ID (a redelivery is a no-op), the summary moves
// forward only if the message is not older than the current one, and the
// unread count grows by one unless the viewer sent it, has the conversation
// open, or the last confirmed count already covers it. A message seen for the
// first time after a read counts even when it is older than what was read.
// A message landing in the open conversation yields a ReadAck effect.
func (s *Store) ApplyNewMessage(viewer model.Viewer, conversationID string, msg model.Message) (Effects, error) {
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if err := s.checkMessage(conversationID, msg); err != nil {
		return Effects{}, err
	}

	var fx Effects
	err := s.mutate(func() []Change {
		var changes []Change
		fx, changes = s.applyMessageLocked(viewer, msg, false)
		return changes
	})
	return fx, err
}

// ApplyMessages merges a page of messages through the same rule as
// ApplyNewMessage. Messages already present, including live ones that
// arrived while the page was in flight, are left untouched. A page is
// history: its messages at or before the last read position do not count.
func (s *Store) ApplyMessages(viewer model.Viewer, conversationID string, msgs []model.Message) (Effects, error) {
	valid := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if err := s.checkMessage(conversationID, m); err != nil {
			continue
		}
		valid = append(valid, m)
	}

	var fx Effects
	err := s.mutate(func() []Change {
		var changes []Change
		for _, m := range valid {
			mfx, c := s.applyMessageLocked(viewer, m, true)
			fx.ReadAck = fx.ReadAck || mfx.ReadAck
			changes = append(changes, c...)
		}
		return compactChanges(changes)
	})
	return fx, err
}

func (s *Store) checkMessage(conversationID string, msg model.Message) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}
	if msg.ConversationID != conversationID {
		s.log.Warn("dropping message for another conversation",
			"conversationId", conversationID, "messageConversationId", msg.ConversationID, "messageId", msg.ID)
		return fmt.Errorf("%w: message %s belongs to %s", ErrInvalidInput, msg.ID, msg.ConversationID)
	}
	if err := model.Validate(msg); err != nil {
		s.log.Warn("dropping malformed message", "conversationId", conversationID, "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *Store) applyMessageLocked(viewer model.Viewer, msg model.Message, history bool) (Effects, []Change) {
	c := s.conversationLocked(msg.ConversationID)
	if msg.Delivery == "" {
		msg.Delivery = model.DeliveryReceived
	}
	if !c.insert(msg) {
		return Effects{}, nil
	}

	var fx Effects
	changes := []Change{{Topic: TopicMessages, ConversationID: c.id}}
	before := c.unread()
	summaryMoved := c.advanceSummary(msg.Body, messageCursor(msg))

	switch {
	case msg.SenderID == viewer.UserID:
	case viewer.IsActive(c.id):
		c.markRead()
		fx.ReadAck = true
	case c.confirmed.covers(messageCursor(msg)):
	case history && c.readAt.covers(messageCursor(msg)):
	default:
		c.pending[msg.ID] = messageCursor(msg)
	}

	if summaryMoved || c.unread() != before {
		changes = append(changes, Change{Topic: TopicConversations, ConversationID: c.id})
	}
	return fx, changes
}

// ApplyConversationUpdate upserts a pushed conversation summary.
//
// Summary fields move forward in time only. The unread count is taken only
// when the server marks it confirmed; otherwise the message-append path
// stays the source of truth and the count is left alone, so an update that
// races ahead of its message event cannot double count. Once the viewer has
// read the conversation, a pushed count is taken only if it reaches past
// what was read.
func (s *Store) ApplyConversationUpdate(summary model.ConversationSummary) error {
	return s.applySummaries(func(*conversation) bool { return false }, summary)
}

// ApplyConversationSnapshot merges summaries fetched after fence was
// captured. Snapshot summaries carry server-confirmed counts; a count is
// ignored when it predates what this client already accounted for, or when
// a local read happened after the fetch started and the snapshot shows no
// newer messages.
func (s *Store) ApplyConversationSnapshot(fence ReadFence, summaries ...model.ConversationSummary) error {
	return s.applySummaries(func(c *conversation) bool {
		return c.readEpoch <= uint64(fence)
	}, summaries...)
}

// applySummaries merges summaries; trusted reports whether a confirmed count
// was fetched after the conversation's last local read.
func (s *Store) applySummaries(trusted func(*conversation) bool, summaries ...model.ConversationSummary) error {
	valid := lo.Filter(summaries, func(sum model.ConversationSummary, _ int) bool {
		if err := model.Validate(sum); err != nil {
			s.log.Warn("dropping malformed conversation summary", "conversationId", sum.ID, "error", err)
			return false
		}
		return true
	})

	return s.mutate(func() []Change {
		var changes []Change
		for _, sum := range valid {
			if s.applySummaryLocked(trusted, sum) {
				changes = append(changes, Change{Topic: TopicConversations, ConversationID: sum.ID})
			}
		}
		return changes
	})
}

func (s *Store) applySummaryLocked(trusted func(*conversation) bool, sum model.ConversationSummary) bool {
	c := s.conversationLocked(sum.ID)
	before := c.view()

	if len(sum.Participants) > 0 {
		c.participants = slices.Clone(sum.Participants)
	}
	if sum.Title != "" {
		c.title = sum.Title
	}
	at := summaryCursor(sum)
	if !sum.LastMessageAt.IsZero() {
		c.advanceSummary(sum.LastMessage, at)
	}

	if sum.UnreadConfirmed {
		switch {
		case c.confirmed.newerThan(at):
			s.log.Debug("ignoring confirmed unread older than the last confirmed count",
				"conversationId", c.id, "unread", sum.UnreadCount, "lastMessageAt", sum.LastMessageAt)
		case c.readEpoch > 0 && !trusted(c) && !at.newerThan(c.readAt):
			s.log.Debug("ignoring confirmed unread not newer than local read",
				"conversationId", c.id, "unread", sum.UnreadCount, "lastMessageAt", sum.LastMessageAt)
		default:
			c.confirm(sum.UnreadCount, at)
		}
	} else if sum.UnreadCount < c.unread() {
		s.log.Debug("unconfirmed update would lower unread, keeping local count",
			"conversationId", c.id, "pushed", sum.UnreadCount, "local", c.unread())
	}

	after := c.view()
	return !conversationEqual(before, after)
}

// ApplyMessagesRead zeroes the conversation's unread count ahead of server
// confirmation and asks the caller to refetch summaries.
func (s *Store) ApplyMessagesRead(conversationID string) (Effects, error) {
	if conversationID == "" {
		return Effects{}, fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}
	err := s.mutate(func() []Change {
		c := s.conversationLocked(conversationID)
		before := c.unread()
		c.markRead()
		s.readEpoch++
		c.readEpoch = s.readEpoch
		if before == 0 {
			return nil
		}
		return []Change{{Topic: TopicConversations, ConversationID: conversationID}}
	})
	if err != nil {
		return Effects{}, err
	}
	return Effects{Refetch: true}, nil
}

// Conversations returns every known conversation, newest activity first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	out := lo.MapToSlice(s.conversations, func(_ string, c *conversation) model.Conversation {
		return c.view()
	})
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.view(), true
}

// Messages returns the conversation's messages in sequence order.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

func (s *Store) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	return c.unread()
}

func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.SumBy(lo.Values(s.conversations), func(c *conversation) int {
		return c.unread()
	})
}

func conversationEqual(a, b model.Conversation) bool {
	return a.LastMessage == b.LastMessage &&
		a.LastMessageAt.Equal(b.LastMessageAt) &&
		a.UnreadCount == b.UnreadCount &&
		a.Title == b.Title &&
		slices.Equal(a.Participants, b.Participants)
}

// compactChanges drops repeated changes while keeping first-seen order.
func compactChanges(changes []Change) []Change {
	return lo.Uniq(changes)
}
