// Package payload coerces encrypted message fields into their canonical
// base64 form at the ingest boundary.
//
// The strict wire format is a standard base64 string. Older clients serialized
// raw bytes in a handful of other shapes; those are only accepted when legacy
// mode is on:
//
//	[12, 34, ...]                     byte array
//	{"0": 12, "1": 34, ...}           typed array as JSON
//	{"type": "Buffer", "data": [...]} Node buffer
//	{"buffer": [...]}                 buffer wrapper
//	"12,34,..."                       comma separated numbers
package payload

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/tidwall/gjson"
)

// minCiphertext is the GCM tag length; nothing shorter can be a sealed message.
const minCiphertext = 16

// Normalizer turns raw JSON fields into canonical base64.
type Normalizer struct {
	AcceptLegacy bool
}

// Encrypted normalizes the iv and ciphertext members of raw, an encoded
// {iv, ciphertext} object.
func (n Normalizer) Encrypted(raw []byte) (models.Encrypted, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return models.Encrypted{}, chaterr.Validation("encrypted", "missing or not JSON")
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return models.Encrypted{}, chaterr.Validation("encrypted", "expected an object")
	}

	iv, err := n.field("iv", obj.Get("iv"))
	if err != nil {
		return models.Encrypted{}, err
	}
	if len(iv) != e2e.IVSize {
		return models.Encrypted{}, chaterr.Validation("iv", "must be "+strconv.Itoa(e2e.IVSize)+" bytes")
	}
	ct, err := n.field("ciphertext", obj.Get("ciphertext"))
	if err != nil {
		return models.Encrypted{}, err
	}
	if len(ct) < minCiphertext {
		return models.Encrypted{}, chaterr.Validation("ciphertext", "too short")
	}

	return models.Encrypted{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func (n Normalizer) field(name string, v gjson.Result) ([]byte, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, chaterr.Validation(name, "missing")
	}
	if v.Type == gjson.String {
		if b, err := base64.StdEncoding.DecodeString(v.Str); err == nil && len(b) > 0 {
			return b, nil
		}
		if n.AcceptLegacy && strings.Contains(v.Str, ",") {
			return fromCSV(name, v.Str)
		}
		return nil, chaterr.Validation(name, "not base64")
	}
	if !n.AcceptLegacy {
		return nil, chaterr.Validation(name, "expected a base64 string")
	}

	switch {
	case v.IsArray():
		return fromArray(name, v)
	case v.IsObject():
		if data := v.Get("data"); data.IsArray() {
			return fromArray(name, data)
		}
		if buf := v.Get("buffer"); buf.IsArray() {
			return fromArray(name, buf)
		}
		return fromIndexed(name, v)
	}
	return nil, chaterr.Validation(name, "unsupported shape")
}

func fromArray(name string, arr gjson.Result) ([]byte, error) {
	items := arr.Array()
	if len(items) == 0 {
		return nil, chaterr.Validation(name, "empty")
	}
	out := make([]byte, len(items))
	for i, item := range items {
		b, ok := toByte(item)
		if !ok {
			return nil, chaterr.Validation(name, "element "+strconv.Itoa(i)+" is not a byte")
		}
		out[i] = b
	}
	return out, nil
}

func fromIndexed(name string, obj gjson.Result) ([]byte, error) {
	vals := make(map[int]byte)
	ok := true
	obj.ForEach(func(key, value gjson.Result) bool {
		idx, err := strconv.Atoi(key.Str)
		if err != nil || idx < 0 {
			ok = false
			return false
		}
		b, isByte := toByte(value)
		if !isByte {
			ok = false
			return false
		}
		vals[idx] = b
		return true
	})
	if !ok || len(vals) == 0 {
		return nil, chaterr.Validation(name, "unsupported shape")
	}
	out := make([]byte, len(vals))
	for i := range out {
		b, present := vals[i]
		if !present {
			return nil, chaterr.Validation(name, "sparse index")
		}
		out[i] = b
	}
	return out, nil
}

func fromCSV(name, s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, chaterr.Validation(name, "bad numeric list")
		}
		out[i] = byte(n)
	}
	return out, nil
}

func toByte(v gjson.Result) (byte, bool) {
	if v.Type != gjson.Number {
		return 0, false
	}
	if v.Num != math.Trunc(v.Num) || v.Num < 0 || v.Num > 255 {
		return 0, false
	}
	return byte(v.Num), true
}
