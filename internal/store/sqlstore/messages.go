package sqlstore

import (
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/models"
)

const messageColumns = `id, sender_id, receiver_id, iv, ciphertext, kind, status,
	COALESCE(sender_public_key, ''), created_at`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m         models.Message
		key       string
		createdAt int64
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Encrypted.IV, &m.Encrypted.Ciphertext,
		&m.Kind, &m.Status, &key, &createdAt)
	if err != nil {
		return nil, err
	}
	m.SenderPublicKey = decodeKey(key)
	m.CreatedAt = fromUnix(createdAt)
	return &m, nil
}

func (s *SQLStore) SaveMessage(msg *models.Message) error {
	key, err := encodeKey(msg.SenderPublicKey)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO messages (id, sender_id, receiver_id, iv, ciphertext, kind, status, sender_public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.Exec(query, msg.ID, msg.SenderID, msg.ReceiverID, msg.Encrypted.IV,
		msg.Encrypted.Ciphertext, msg.Kind, msg.Status, key, msg.CreatedAt.UnixNano())
	return err
}

func (s *SQLStore) GetMessage(id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRow(query, id))
	return m, notFound(err)
}

// GetConversation returns both directions of the (userA, userB) thread in
// creation order. Rows with equal timestamps keep insertion order.
func (s *SQLStore) GetConversation(userA, userB string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, seq ASC
	`)
	rows, err := s.db.Query(query, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MarkDelivered moves a single sent message addressed to receiverID to
// delivered. It returns nil when nothing changed.
func (s *SQLStore) MarkDelivered(messageID, receiverID string) (*models.Message, error) {
	query := s.rebind("UPDATE messages SET status = ? WHERE id = ? AND receiver_id = ? AND status = ?")
	result, err := s.db.Exec(query, models.StatusDelivered, messageID, receiverID, models.StatusSent)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, nil
	}
	return s.GetMessage(messageID)
}

// MarkAllDelivered moves every sent message addressed to receiverID to
// delivered and returns the messages that changed.
func (s *SQLStore) MarkAllDelivered(receiverID string) ([]models.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE receiver_id = ? AND status = ? ORDER BY created_at ASC, seq ASC")
	rows, err := tx.Query(query, receiverID, models.StatusSent)
	if err != nil {
		return nil, err
	}
	var pending []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	update := s.rebind("UPDATE messages SET status = ? WHERE id = ? AND status = ?")
	changed := make([]models.Message, 0, len(pending))
	for _, m := range pending {
		result, err := tx.Exec(update, models.StatusDelivered, m.ID, models.StatusSent)
		if err != nil {
			return nil, errors.WithMessagef(err, "message %s", m.ID)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			m.Status = models.StatusDelivered
			changed = append(changed, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkRead moves every unread message from senderID to receiverID to read
// and returns how many rows changed.
func (s *SQLStore) MarkRead(senderID, receiverID string) (int64, error) {
	query := s.rebind("UPDATE messages SET status = ? WHERE sender_id = ? AND receiver_id = ? AND status <> ?")
	result, err := s.db.Exec(query, models.StatusRead, senderID, receiverID, models.StatusRead)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
