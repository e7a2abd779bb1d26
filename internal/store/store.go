package store

import (
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Store interface {
	// User operations
	CreateUser(user *models.User) error
	GetUserByUsername(username string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	ListUsersExcept(id string) ([]models.User, error)
	SetPublicKey(userID string, key models.JWK) error

	// Message operations
	SaveMessage(msg *models.Message) error
	GetMessage(id string) (*models.Message, error)
	GetConversation(userA, userB string) ([]models.Message, error)

	// Status operations. Each only moves a message forward and reports what
	// actually changed; repeating a call is a no-op.
	MarkDelivered(messageID, receiverID string) (*models.Message, error)
	MarkAllDelivered(receiverID string) ([]models.Message, error)
	MarkRead(senderID, receiverID string) (int64, error)

	Close() error
}
