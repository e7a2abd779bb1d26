package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CookieName is the session cookie carrying the signed user id.
const CookieName = "user_id"

var (
	mu        sync.RWMutex
	secretKey = []byte("super-secret-key-change-me-in-production")
)

// SetSecret replaces the HMAC key used for cookies. Empty secrets are
// ignored.
func SetSecret(secret string) {
	if secret == "" {
		return
	}
	mu.Lock()
	secretKey = []byte(secret)
	mu.Unlock()
}

func sign(value string) []byte {
	mu.RLock()
	mac := hmac.New(sha256.New, secretKey)
	mu.RUnlock()
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// SignCookie creates a signed cookie value in the format "value|signature"
func SignCookie(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(sign(value)))
}

// VerifyCookie verifies the signed cookie and returns the original value
func VerifyCookie(signedValue string) (string, error) {
	parts := strings.Split(signedValue, "|")
	if len(parts) != 2 {
		return "", errors.New("invalid cookie format")
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid value encoding")
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}

	if !hmac.Equal(signature, sign(value)) {
		return "", errors.New("invalid signature")
	}

	return value, nil
}
