// Package messages is the server-side message log: validated ingest of
// encrypted messages and ordered conversation reads.
package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/payload"
	"github.com/pliu/cipherchat/internal/store"
	jww "github.com/spf13/jwalterweatherman"
)

// SendRequest is the body of a message submission.
type SendRequest struct {
	Encrypted       json.RawMessage `json:"encrypted"`
	SenderPublicKey json.RawMessage `json:"senderPublicKey"`
	Kind            models.Kind     `json:"kind"`
}

type Service struct {
	store      store.Store
	normalizer payload.Normalizer
	now        func() time.Time
}

func NewService(s store.Store, acceptLegacy bool) *Service {
	return &Service{
		store:      s,
		normalizer: payload.Normalizer{AcceptLegacy: acceptLegacy},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Append validates and persists a new message from senderID to receiverID
// with status sent. Validation failures return a *chaterr.ValidationError and
// write nothing.
func (s *Service) Append(senderID, receiverID string, req SendRequest) (*models.Message, error) {
	if senderID == "" {
		return nil, chaterr.Validation("sender", "missing identity")
	}
	if receiverID == "" {
		return nil, chaterr.Validation("receiver", "missing identity")
	}

	kind := req.Kind
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		return nil, chaterr.Validation("kind", "must be text or image")
	}

	enc, err := s.normalizer.Encrypted(req.Encrypted)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByID(receiverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chaterr.Validation("receiver", "unknown user")
		}
		return nil, chaterr.Persistence(err, "look up receiver %s", receiverID)
	}

	key, err := s.senderKey(senderID, req.SenderPublicKey)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:              uuid.NewString(),
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Encrypted:       enc,
		Kind:            kind,
		Status:          models.StatusSent,
		SenderPublicKey: key,
		CreatedAt:       s.now(),
	}
	if err := s.store.SaveMessage(msg); err != nil {
		return nil, chaterr.Persistence(err, "save message")
	}
	jww.DEBUG.Printf("[MSG] stored %s from %s to %s", msg.ID, senderID, receiverID)
	return msg, nil
}

// senderKey resolves the public key snapshot attached to a message. An
// absent or non-object submission falls back to the key on file for the
// sender.
func (s *Service) senderKey(senderID string, raw json.RawMessage) (models.JWK, error) {
	key, err := models.ParseJWK(raw)
	if err != nil {
		jww.DEBUG.Printf("[MSG] unreadable sender key from %s: %v", senderID, err)
		key = nil
	}
	if key == nil {
		user, err := s.store.GetUserByID(senderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, chaterr.Persistence(err, "look up sender %s", senderID)
		}
		if user != nil {
			key = user.PublicKey
		}
	}
	if key == nil {
		return nil, chaterr.Validation("senderPublicKey", "missing")
	}

	key = key.Sanitize()
	if err := key.Validate(); err != nil {
		return nil, chaterr.Validation("senderPublicKey", err.Error())
	}
	return key, nil
}

// ListConversation returns every message between a and b in creation order.
func (s *Service) ListConversation(a, b string) ([]models.Message, error) {
	msgs, err := s.store.GetConversation(a, b)
	if err != nil {
		return nil, chaterr.Persistence(err, "list conversation")
	}
	return msgs, nil
}

// ListSidebarUsers returns all users except excludingID. Password hashes
// never leave the store layer's json encoding.
func (s *Service) ListSidebarUsers(excludingID string) ([]models.User, error) {
	users, err := s.store.ListUsersExcept(excludingID)
	if err != nil {
		return nil, chaterr.Persistence(err, "list users")
	}
	for i := range users {
		users[i].Password = ""
	}
	return users, nil
}
