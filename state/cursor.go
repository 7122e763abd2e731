package state

import (
	"time"

	"github.com/clinicdesk/realtime/model"
)

// cursor is a position in a conversation's message sequence. It uses the
// same key as model.Message.Before. A cursor without an ID names a whole
// instant: it covers every message at that time but is never strictly
// newer than another position at the same time.
type cursor struct {
	seq int64
	at  time.Time
	id  string
}

func messageCursor(m model.Message) cursor {
	return cursor{seq: m.Seq, at: m.CreatedAt, id: m.ID}
}

func summaryCursor(sum model.ConversationSummary) cursor {
	return cursor{seq: sum.LastMessageSeq, at: sum.LastMessageAt, id: sum.LastMessageID}
}

func (c cursor) isZero() bool {
	return c.seq == 0 && c.at.IsZero() && c.id == ""
}

// covers reports whether p sits at or before c.
func (c cursor) covers(p cursor) bool {
	if c.isZero() {
		return false
	}
	if c.seq != 0 && p.seq != 0 && c.seq != p.seq {
		return p.seq < c.seq
	}
	if !c.at.Equal(p.at) {
		return p.at.Before(c.at)
	}
	return c.id == "" || p.id <= c.id
}

// newerThan reports whether c is strictly after o.
func (c cursor) newerThan(o cursor) bool {
	if c.seq != 0 && o.seq != 0 && c.seq != o.seq {
		return c.seq > o.seq
	}
	if !c.at.Equal(o.at) {
		return c.at.After(o.at)
	}
	if c.id == "" || o.id == "" {
		return false
	}
	return c.id > o.id
}

func latest(a, b cursor) cursor {
	if b.newerThan(a) {
		return b
	}
	return a
}
