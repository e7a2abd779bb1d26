// Package delivery drives the server side of message status: sent on
// append, delivered once the receiver is reachable, read once the receiver
// opens the conversation.
package delivery

import (
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/store"
	jww "github.com/spf13/jwalterweatherman"
)

// Notifier pushes an event to a user's live connection. Delivery is best
// effort.
type Notifier interface {
	Notify(userID, event string, data interface{})
}

type Tracker struct {
	store  store.Store
	notify Notifier
}

func NewTracker(s store.Store, n Notifier) *Tracker {
	return &Tracker{store: s, notify: n}
}

// Connected moves every sent message addressed to receiverID to delivered
// and tells each sender about each message.
func (t *Tracker) Connected(receiverID string) error {
	changed, err := t.store.MarkAllDelivered(receiverID)
	if err != nil {
		return chaterr.Persistence(err, "mark delivered for %s", receiverID)
	}
	for _, m := range changed {
		t.notifyDelivered(m)
	}
	if len(changed) > 0 {
		jww.DEBUG.Printf("[DELIVERY] %d messages delivered to %s", len(changed), receiverID)
	}
	return nil
}

// Acknowledge handles an explicit delivery ack for messageID from
// receiverID. Acks for messages already past sent, or addressed to someone
// else, change nothing.
func (t *Tracker) Acknowledge(receiverID, messageID string) error {
	m, err := t.store.MarkDelivered(messageID, receiverID)
	if err != nil {
		return chaterr.Persistence(err, "ack %s", messageID)
	}
	if m != nil {
		t.notifyDelivered(*m)
	}
	return nil
}

// MarkRead moves every unread message from senderID to readerID to read in
// one batch and sends the sender a single pair-level receipt.
func (t *Tracker) MarkRead(readerID, senderID string) (int64, error) {
	n, err := t.store.MarkRead(senderID, readerID)
	if err != nil {
		return 0, chaterr.Persistence(err, "mark read %s -> %s", senderID, readerID)
	}
	if n > 0 {
		t.notify.Notify(senderID, models.EventMessagesRead, models.ReadReceipt{
			SenderID:   senderID,
			ReceiverID: readerID,
		})
	}
	return n, nil
}

func (t *Tracker) notifyDelivered(m models.Message) {
	t.notify.Notify(m.SenderID, models.EventMessageStatusUpdated, models.StatusUpdate{
		MessageID: m.ID,
		Status:    models.StatusDelivered,
	})
}
