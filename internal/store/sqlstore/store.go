package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/store"
	jww "github.com/spf13/jwalterweatherman"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// every :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	jww.INFO.Printf("[SQL] %s store ready", driverName)
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		public_key TEXT,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		sender_id TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT NOT NULL REFERENCES users(id),
		iv TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		sender_public_key TEXT,
		created_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at);
	CREATE INDEX IF NOT EXISTS messages_receiver_status_idx ON messages (receiver_id, status);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return errors.Wrap(err, "create tables")
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func encodeKey(key models.JWK) (sql.NullString, error) {
	if key == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(key.Sanitize())
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeKey(raw string) models.JWK {
	if raw == "" {
		return nil
	}
	var key models.JWK
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		jww.WARN.Printf("[SQL] dropping unreadable stored key: %v", err)
		return nil
	}
	return key
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
