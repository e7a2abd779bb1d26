package sqlstore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/store"
)

const userColumns = "id, username, password, COALESCE(public_key, ''), created_at"

func scanUser(row scanner) (*models.User, error) {
	var (
		u         models.User
		key       string
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &key, &createdAt); err != nil {
		return nil, err
	}
	u.PublicKey = decodeKey(key)
	u.CreatedAt = fromUnix(createdAt)
	return &u, nil
}

func (s *SQLStore) CreateUser(user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	key, err := encodeKey(user.PublicKey)
	if err != nil {
		return err
	}
	query := s.rebind("INSERT INTO users (id, username, password, public_key, created_at) VALUES (?, ?, ?, ?, ?)")
	_, err = s.db.Exec(query, user.ID, user.Username, user.Password, key, user.CreatedAt.UnixNano())
	return err
}

func (s *SQLStore) GetUserByUsername(username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	u, err := scanUser(s.db.QueryRow(query, username))
	return u, notFound(err)
}

func (s *SQLStore) GetUserByID(id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	u, err := scanUser(s.db.QueryRow(query, id))
	return u, notFound(err)
}

func (s *SQLStore) ListUsersExcept(id string) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id <> ? ORDER BY username ASC")
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) SetPublicKey(userID string, key models.JWK) error {
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	query := s.rebind("UPDATE users SET public_key = ? WHERE id = ?")
	result, err := s.db.Exec(query, encoded, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.WithMessagef(store.ErrNotFound, "user %s", userID)
	}
	return nil
}
