package chatclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/keyexchange"
	"github.com/pliu/cipherchat/internal/keystore"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/reconcile"
	jww "github.com/spf13/jwalterweatherman"
)

// Backend is the REST surface a Session needs.
type Backend interface {
	History(ctx context.Context, peerID string) ([]models.Message, error)
	Send(ctx context.Context, peerID string, enc models.Encrypted, senderKey models.JWK, kind models.Kind) (*models.Message, error)
	MarkRead(ctx context.Context, peerID string) (int64, error)
	FetchPublicKey(ctx context.Context, userID string) (models.JWK, error)
}

// Session is one logged-in user's view of the chat: the shared key cache,
// the conversation views, and the peer currently open.
type Session struct {
	self    string
	public  models.JWK
	backend Backend
	emitter keyexchange.Emitter

	Keys  *keyexchange.Exchange
	Views *reconcile.Reconciler

	// OnChange, if set, is called after the view for a peer changed.
	OnChange func(peerID string)

	mu     sync.Mutex
	open   string
	online []string
}

func NewSession(pair *keystore.KeyPair, backend Backend, emitter keyexchange.Emitter, timeouts reconcile.Timeouts) *Session {
	kx := keyexchange.New(pair.Private, pair.Public, emitter, backend)
	return &Session{
		self:    pair.UserID,
		public:  pair.Public,
		backend: backend,
		emitter: emitter,
		Keys:    kx,
		Views:   reconcile.New(pair.UserID, kx, timeouts),
	}
}

func (s *Session) Self() string { return s.self }

// Peer returns the open conversation.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Online returns the last presence broadcast.
func (s *Session) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...)
}

// Open selects peerID: it starts key negotiation, loads and merges the
// history and marks the peer's messages as read.
func (s *Session) Open(ctx context.Context, peerID string) ([]reconcile.Entry, error) {
	s.mu.Lock()
	s.open = peerID
	s.mu.Unlock()

	if err := s.Keys.Select(peerID); err != nil {
		jww.WARN.Printf("[SESSION] key offer to %s: %v", peerID, err)
	}

	msgs, err := s.backend.History(ctx, peerID)
	if err != nil {
		return s.Views.Entries(peerID), errors.WithMessagef(err, "history with %s", peerID)
	}
	entries := s.Views.LoadHistory(ctx, peerID, msgs)
	s.markRead(ctx, peerID)
	s.changed(peerID)
	return entries, nil
}

// Send encrypts text for the open peer and submits it. The optimistic entry
// becomes sent on success and failed otherwise.
func (s *Session) Send(ctx context.Context, text string) (reconcile.Entry, error) {
	return s.SendKind(ctx, text, models.KindText)
}

func (s *Session) SendKind(ctx context.Context, text string, kind models.Kind) (reconcile.Entry, error) {
	peerID := s.Peer()
	if peerID == "" {
		return reconcile.Entry{}, chaterr.Validation("peer", "no conversation open")
	}

	enc, err := s.Views.Encrypt(ctx, peerID, text)
	if err != nil {
		return reconcile.Entry{}, err
	}
	pending := s.Views.BeginSend(peerID, text, kind, enc)
	s.changed(peerID)

	msg, err := s.backend.Send(ctx, peerID, enc, s.public, kind)
	if err != nil {
		s.Views.Fail(peerID, pending.TempID)
		s.changed(peerID)
		return pending, err
	}
	entry := s.Views.Acknowledge(peerID, pending.TempID, *msg)
	s.changed(peerID)
	return entry, nil
}

// Handle applies one event from the live connection.
func (s *Session) Handle(ctx context.Context, env models.Envelope) {
	var err error
	switch env.Event {
	case models.EventReceivePublicKey:
		err = s.onPublicKey(env.Data)
	case models.EventNewMessage:
		err = s.onNewMessage(ctx, env.Data)
	case models.EventMessageStatusUpdated:
		var up models.StatusUpdate
		if err = json.Unmarshal(env.Data, &up); err == nil && s.Views.ApplyStatus(up.MessageID, up.Status) {
			s.changed(s.Peer())
		}
	case models.EventMessagesRead:
		var rr models.ReadReceipt
		if err = json.Unmarshal(env.Data, &rr); err == nil && s.Views.ApplyRead(rr.SenderID, rr.ReceiverID) > 0 {
			s.changed(rr.ReceiverID)
		}
	case models.EventOnlineUsers:
		var ids []string
		if err = json.Unmarshal(env.Data, &ids); err == nil {
			sort.Strings(ids)
			s.mu.Lock()
			s.online = ids
			s.mu.Unlock()
		}
	default:
		jww.DEBUG.Printf("[SESSION] ignoring event %q", env.Event)
	}
	if err != nil {
		jww.WARN.Printf("[SESSION] %s: %v", env.Event, err)
	}
}

func (s *Session) onPublicKey(data []byte) error {
	var relay struct {
		From      string          `json:"from"`
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := json.Unmarshal(data, &relay); err != nil {
		return err
	}
	key, err := models.ParseJWK(relay.PublicKey)
	if err != nil {
		return err
	}
	if key == nil {
		return chaterr.Validation("publicKey", "missing")
	}
	if err := s.Keys.OnReceivePublicKey(relay.From, key); err != nil {
		return err
	}
	if shared, ok := s.Keys.SharedKey(relay.From); ok && s.Views.Unlock(relay.From, shared) > 0 {
		s.changed(relay.From)
	}
	return nil
}

func (s *Session) onNewMessage(ctx context.Context, data []byte) error {
	var push models.NewMessage
	if err := json.Unmarshal(data, &push); err != nil {
		return err
	}
	msg := push.Msg
	if msg.SenderID == "" {
		msg.SenderID = push.From
	}

	peerID, _ := s.Views.Receive(ctx, msg)
	if msg.SenderID != s.self {
		ack := models.DeliveryAck{MessageID: msg.ID, SenderID: msg.SenderID}
		if err := s.emitter.Emit(models.EventMessageDelivered, ack); err != nil {
			jww.WARN.Printf("[SESSION] delivery ack for %s: %v", msg.ID, err)
		}
		if peerID == s.Peer() {
			s.markRead(ctx, peerID)
		}
	}
	s.changed(peerID)
	return nil
}

// markRead reports the open conversation as read, over the socket when it
// is up and over REST otherwise.
func (s *Session) markRead(ctx context.Context, peerID string) {
	err := s.emitter.Emit(models.EventMarkAsRead, models.ReadReceipt{SenderID: peerID, ReceiverID: s.self})
	if err == nil {
		return
	}
	jww.DEBUG.Printf("[SESSION] mark_as_read over socket failed, using REST: %v", err)
	if _, err := s.backend.MarkRead(ctx, peerID); err != nil {
		jww.WARN.Printf("[SESSION] mark %s read: %v", peerID, err)
	}
}

func (s *Session) changed(peerID string) {
	if s.OnChange != nil && peerID != "" {
		s.OnChange(peerID)
	}
}
