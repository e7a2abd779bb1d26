package reconcile

import (
	"time"

	"github.com/pliu/cipherchat/internal/models"
)

// LockedText stands in for a message that cannot be decrypted yet.
const LockedText = "🔒 Encrypted Message"

// Client-local statuses. Both rank below every server status, so a durable
// acknowledgement always wins over them.
const (
	StatusLoading models.Status = "loading"
	StatusFailed  models.Status = "failed"
)

// Entry is one message as the conversation view shows it.
type Entry struct {
	ID         string
	TempID     string
	SenderID   string
	ReceiverID string
	Encrypted  models.Encrypted
	Kind       models.Kind
	Status     models.Status
	Text       string
	CreatedAt  time.Time
}

// Locked reports whether the entry carries no usable plaintext.
func (e Entry) Locked() bool {
	return e.Text == "" || e.Text == LockedText
}

// FromMessage builds an entry for a server message with the given plaintext.
// An empty text produces a locked entry.
func FromMessage(m models.Message, text string) Entry {
	if text == "" {
		text = LockedText
	}
	return Entry{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Encrypted:  m.Encrypted,
		Kind:       m.Kind,
		Status:     m.Status,
		Text:       text,
		CreatedAt:  m.CreatedAt,
	}
}

// merge folds in onto e. Plaintext is never replaced by a locked
// placeholder, status only moves forward and empty incoming fields leave
// the existing ones alone.
func (e Entry) merge(in Entry) Entry {
	if in.ID != "" {
		e.ID = in.ID
	}
	if in.TempID != "" {
		e.TempID = in.TempID
	}
	if in.SenderID != "" {
		e.SenderID = in.SenderID
	}
	if in.ReceiverID != "" {
		e.ReceiverID = in.ReceiverID
	}
	if in.Encrypted.Ciphertext != "" {
		e.Encrypted = in.Encrypted
	}
	if in.Kind != "" {
		e.Kind = in.Kind
	}
	if !in.CreatedAt.IsZero() {
		e.CreatedAt = in.CreatedAt
	}
	if !in.Locked() || e.Locked() {
		e.Text = in.Text
		if e.Text == "" {
			e.Text = LockedText
		}
	}
	e.Status = advance(e.Status, in.Status)
	return e
}

func advance(cur, next models.Status) models.Status {
	if cur == "" {
		return next
	}
	// a failed send stays failed until the server says otherwise
	if cur == StatusFailed && next == StatusLoading {
		return cur
	}
	return cur.Advance(next)
}
