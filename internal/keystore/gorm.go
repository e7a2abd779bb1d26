package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// Can be provided to SQLite to create a temporary, in-memory DB.
	temporaryDbPath = "file:%s?mode=memory&cache=shared"

	// Determines maximum runtime of DB queries.
	dbTimeout = 3 * time.Second
)

// Record is the local row holding one user's key material. The private key
// never leaves this table.
type Record struct {
	UserID     string `gorm:"primaryKey"`
	PrivateKey []byte `gorm:"not null"`
	PublicKey  string
	UpdatedAt  time.Time
}

// TableName overrides the table name used by Record.
func (Record) TableName() string {
	return "local_keys"
}

// GormStore persists key records in a local SQLite file.
type GormStore struct {
	db *gorm.DB
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}

// NewGormStore opens the key database at path. An empty path uses a
// private in-memory database.
func NewGormStore(path string) (*GormStore, error) {
	if path == "" {
		path = fmt.Sprintf(temporaryDbPath, "keystore-"+uuid.NewString())
		jww.WARN.Printf("[KEYS] no key store path, keys will not survive restart")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(jww.TRACE, logger.Config{LogLevel: logger.Warn}),
	})
	if err != nil {
		return nil, errors.Errorf("Unable to open key store: %+v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate key store")
	}
	return &GormStore{db: db}, nil
}

// Load returns the record for userID, or nil when none is stored.
func (s *GormStore) Load(userID string) (*Record, error) {
	ctx, cancel := newContext()
	defer cancel()

	var rec Record
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "load key for %s", userID)
	}
	return &rec, nil
}

// Save inserts or replaces rec.
func (s *GormStore) Save(rec *Record) error {
	ctx, cancel := newContext()
	defer cancel()
	return errors.WithMessagef(s.db.WithContext(ctx).Save(rec).Error, "save key for %s", rec.UserID)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
