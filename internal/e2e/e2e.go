// Package e2e implements the end-to-end primitives of the chat: P-256 key
// agreement and AES-256-GCM message sealing. Keys travel as JWKs and sealed
// payloads as base64 strings so that browser WebCrypto peers interoperate.
package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/models"
)

const (
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12

	coordSize = 32
)

// SharedKey is the symmetric key both peers derive for a conversation.
type SharedKey [32]byte

// GenerateKey creates a fresh P-256 private key.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// ImportPrivateKey parses a raw P-256 scalar as stored by the key store.
func ImportPrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(raw)
}

// PublicJWK exports pub in the shape WebCrypto produces for an ECDH key.
func PublicJWK(pub *ecdh.PublicKey) models.JWK {
	b := pub.Bytes() // 0x04 || X || Y
	return models.JWK{
		"kty":     "EC",
		"crv":     "P-256",
		"x":       base64.RawURLEncoding.EncodeToString(b[1 : 1+coordSize]),
		"y":       base64.RawURLEncoding.EncodeToString(b[1+coordSize:]),
		"ext":     true,
		"key_ops": []interface{}{},
	}
}

// PublicKeyFromJWK rebuilds a P-256 public key from its JWK coordinates.
func PublicKeyFromJWK(k models.JWK) (*ecdh.PublicKey, error) {
	if k.Type() != "EC" || k.Curve() != "P-256" {
		return nil, errors.Errorf("unsupported key %s/%s", k.Type(), k.Curve())
	}
	x, err := decodeCoord(k.X())
	if err != nil {
		return nil, errors.WithMessage(err, "x")
	}
	y, err := decodeCoord(k.Y())
	if err != nil {
		return nil, errors.WithMessage(err, "y")
	}

	point := make([]byte, 1+2*coordSize)
	point[0] = 4
	copy(point[1+coordSize-len(x):1+coordSize], x)
	copy(point[1+2*coordSize-len(y):], y)
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, errors.Wrap(err, "invalid curve point")
	}
	return pub, nil
}

func decodeCoord(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("missing coordinate")
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, errors.Wrap(err, "coordinate encoding")
	}
	if len(b) > coordSize {
		return nil, errors.Errorf("coordinate is %d bytes", len(b))
	}
	return b, nil
}

// DeriveSharedKey runs ECDH between the local private key and a peer's public
// JWK. The raw 32-byte secret is the AES-256 key, matching WebCrypto's
// deriveKey for ECDH into AES-GCM. derive(a, B) == derive(b, A).
func DeriveSharedKey(priv *ecdh.PrivateKey, peer models.JWK) (SharedKey, error) {
	var key SharedKey
	pub, err := PublicKeyFromJWK(peer.Sanitize())
	if err != nil {
		return key, err
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return key, errors.Wrap(err, "ecdh")
	}
	copy(key[:], secret)
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext string, key SharedKey) (models.Encrypted, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return models.Encrypted{}, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return models.Encrypted{}, errors.Wrap(err, "iv")
	}
	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return models.Encrypted{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens enc with key. Every failure, including malformed encoding,
// is reported as chaterr.ErrDecryption.
func Decrypt(enc models.Encrypted, key SharedKey) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(iv) != IVSize {
		return "", errors.WithMessage(chaterr.ErrDecryption, "bad iv")
	}
	ct, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", errors.WithMessage(chaterr.ErrDecryption, "bad ciphertext encoding")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", errors.WithMessage(chaterr.ErrDecryption, err.Error())
	}
	return string(pt), nil
}

func newGCM(key SharedKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	return cipher.NewGCM(block)
}
