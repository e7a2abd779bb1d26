// Package keystore owns this device's key pair: it loads or creates the
// private key, keeps it in local storage and publishes the public half.
package keystore

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"sync"
	"time"

	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/models"
	jww "github.com/spf13/jwalterweatherman"
)

// Store persists key records.
type Store interface {
	Load(userID string) (*Record, error)
	Save(rec *Record) error
}

// PublicKeyAPI is the server side of public key distribution. FetchPublicKey
// returns a nil key when the server has none.
type PublicKeyAPI interface {
	UploadPublicKey(ctx context.Context, key models.JWK) error
	FetchPublicKey(ctx context.Context, userID string) (models.JWK, error)
}

type KeyPair struct {
	UserID  string
	Private *ecdh.PrivateKey
	Public  models.JWK
}

type KeyStore struct {
	store Store
	api   PublicKeyAPI

	mu    sync.Mutex
	pairs map[string]*KeyPair
}

func New(store Store, api PublicKeyAPI) *KeyStore {
	return &KeyStore{store: store, api: api, pairs: make(map[string]*KeyPair)}
}

// EnsureKeyPair returns the key pair for userID, creating it if needed. It
// never fails: storage or upload problems are logged and an in-memory pair
// is still returned.
func (k *KeyStore) EnsureKeyPair(ctx context.Context, userID string) *KeyPair {
	k.mu.Lock()
	defer k.mu.Unlock()
	if pair, ok := k.pairs[userID]; ok {
		return pair
	}

	pair, err := k.loadLocked(ctx, userID)
	if err != nil {
		// the stored identity may still be fine: never overwrite it
		jww.ERROR.Printf("[KEYS] cannot read stored key for %s, using a temporary pair: %+v", userID, err)
		return k.temporaryLocked(ctx, userID)
	}
	if pair == nil {
		pair = k.generateLocked(ctx, userID)
	}
	k.pairs[userID] = pair
	return pair
}

// readRecord loads the stored record, retrying a failed read once.
func (k *KeyStore) readRecord(userID string) (*Record, error) {
	rec, err := k.store.Load(userID)
	if err == nil {
		return rec, nil
	}
	jww.WARN.Printf("[KEYS] %v, retrying", err)
	return k.store.Load(userID)
}

// loadLocked returns the stored pair, nil if there is none or it cannot be
// imported, or an error if the store could not be read.
func (k *KeyStore) loadLocked(ctx context.Context, userID string) (*KeyPair, error) {
	rec, err := k.readRecord(userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	priv, err := e2e.ImportPrivateKey(rec.PrivateKey)
	if err != nil {
		jww.WARN.Printf("[KEYS] stored key for %s is unusable, regenerating: %v", userID, err)
		return nil, nil
	}

	derived := e2e.PublicJWK(priv.PublicKey())
	pair := &KeyPair{UserID: userID, Private: priv, Public: derived}

	if cached := decodeJWK(rec.PublicKey); matches(cached, priv) {
		pair.Public = cached
		return pair, nil
	}

	// no usable cached copy: trust the server's if it matches, otherwise
	// publish ours again
	fetched, err := k.api.FetchPublicKey(ctx, userID)
	if err != nil {
		jww.WARN.Printf("[KEYS] fetch own public key: %v", err)
	}
	if !matches(fetched, priv) {
		k.upload(ctx, derived)
	}
	rec.PublicKey = encodeJWK(derived)
	rec.UpdatedAt = time.Now()
	if err := k.store.Save(rec); err != nil {
		jww.WARN.Printf("[KEYS] %v", err)
	}
	return pair, nil
}

// temporaryLocked returns an in-memory pair that is neither saved nor
// cached. It is only published when the server has no key for userID, so
// an existing identity is never replaced.
func (k *KeyStore) temporaryLocked(ctx context.Context, userID string) *KeyPair {
	priv, err := e2e.GenerateKey()
	if err != nil {
		jww.FATAL.Panicf("[KEYS] generate key: %+v", err)
	}
	pub := e2e.PublicJWK(priv.PublicKey())
	published, err := k.api.FetchPublicKey(ctx, userID)
	if err == nil && published == nil {
		k.upload(ctx, pub)
	}
	return &KeyPair{UserID: userID, Private: priv, Public: pub}
}

func (k *KeyStore) generateLocked(ctx context.Context, userID string) *KeyPair {
	priv, err := e2e.GenerateKey()
	if err != nil {
		// crypto/rand failing leaves nothing sensible to fall back to
		jww.FATAL.Panicf("[KEYS] generate key: %+v", err)
	}
	pub := e2e.PublicJWK(priv.PublicKey())

	rec := &Record{
		UserID:     userID,
		PrivateKey: priv.Bytes(),
		PublicKey:  encodeJWK(pub),
		UpdatedAt:  time.Now(),
	}
	if err := k.store.Save(rec); err != nil {
		jww.WARN.Printf("[KEYS] %v", err)
	}
	k.upload(ctx, pub)
	jww.INFO.Printf("[KEYS] generated a new key pair for %s", userID)
	return &KeyPair{UserID: userID, Private: priv, Public: pub}
}

func (k *KeyStore) upload(ctx context.Context, pub models.JWK) {
	if err := k.api.UploadPublicKey(ctx, pub); err != nil {
		jww.WARN.Printf("[KEYS] upload public key: %v", err)
	}
}

func matches(key models.JWK, priv *ecdh.PrivateKey) bool {
	if key == nil {
		return false
	}
	pub, err := e2e.PublicKeyFromJWK(key)
	return err == nil && pub.Equal(priv.PublicKey())
}

func encodeJWK(key models.JWK) string {
	b, err := json.Marshal(key.Sanitize())
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJWK(s string) models.JWK {
	if s == "" {
		return nil
	}
	key, err := models.ParseJWK([]byte(s))
	if err != nil {
		return nil
	}
	return key
}
