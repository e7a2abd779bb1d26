package models

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// JWK is a JSON Web Key as received from clients. Only public members are
// ever kept, see Sanitize.
type JWK map[string]interface{}

// privateMembers lists every JWK member that carries secret material across
// the EC, RSA and oct key types, plus the legacy privateKey wrapper.
var privateMembers = []string{"d", "p", "q", "dp", "dq", "qi", "oth", "k", "privateKey"}

// ParseJWK decodes raw as a key object. A JSON string holding an encoded
// object is unwrapped first. A nil key and nil error mean nothing usable
// was supplied.
func ParseJWK(raw []byte) (JWK, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, errors.Wrap(err, "public key string")
		}
		inner = strings.TrimSpace(inner)
		if !strings.HasPrefix(inner, "{") {
			return nil, nil
		}
		s = inner
	}
	var k JWK
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return nil, errors.Wrap(err, "public key object")
	}
	return k, nil
}

// Sanitize returns a copy of k without private members.
func (k JWK) Sanitize() JWK {
	if k == nil {
		return nil
	}
	out := make(JWK, len(k))
	for name, v := range k {
		out[name] = v
	}
	for _, name := range privateMembers {
		delete(out, name)
	}
	return out
}

// Validate checks the minimal public key shape: a key type plus one of the
// curve or modulus members.
func (k JWK) Validate() error {
	if k.str("kty") == "" {
		return errors.New("missing kty")
	}
	if k.str("x") == "" && k.str("n") == "" && k.str("crv") == "" {
		return errors.New("missing key material")
	}
	return nil
}

func (k JWK) str(name string) string {
	s, _ := k[name].(string)
	return s
}

// Curve returns the crv member or "".
func (k JWK) Curve() string { return k.str("crv") }

// Type returns the kty member or "".
func (k JWK) Type() string { return k.str("kty") }

// X returns the x coordinate member or "".
func (k JWK) X() string { return k.str("x") }

// Y returns the y coordinate member or "".
func (k JWK) Y() string { return k.str("y") }
