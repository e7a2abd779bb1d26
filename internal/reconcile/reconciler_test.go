package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyMap caches keys by peer id. Entries under "jwk:<x>" answer Learn for
// a public key with that x coordinate and entries under "published:<peer>"
// answer FetchKey.
type keyMap map[string]e2e.SharedKey

func (k keyMap) SharedKey(peerID string) (e2e.SharedKey, bool) {
	key, ok := k[peerID]
	return key, ok
}

func (k keyMap) WaitForKey(_ context.Context, peerID string, _ time.Duration, _ bool) (e2e.SharedKey, error) {
	key, ok := k[peerID]
	if !ok {
		return e2e.SharedKey{}, chaterr.ErrKeyUnavailable
	}
	return key, nil
}

func (k keyMap) Learn(peerID string, pub models.JWK) (e2e.SharedKey, error) {
	return k.promote(peerID, "jwk:"+pub.X())
}

func (k keyMap) FetchKey(_ context.Context, peerID string, _ time.Duration) (e2e.SharedKey, error) {
	return k.promote(peerID, "published:"+peerID)
}

func (k keyMap) promote(peerID, source string) (e2e.SharedKey, error) {
	key, ok := k[source]
	if !ok {
		return e2e.SharedKey{}, chaterr.ErrKeyUnavailable
	}
	k[peerID] = key
	return key, nil
}

func testKey(b byte) e2e.SharedKey {
	var k e2e.SharedKey
	for i := range k {
		k[i] = b
	}
	return k
}

func seal(t *testing.T, text string, key e2e.SharedKey) models.Encrypted {
	t.Helper()
	enc, err := e2e.Encrypt(text, key)
	require.NoError(t, err)
	return enc
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(id, from, to string, enc models.Encrypted, at int) models.Message {
	return models.Message{
		ID: id, SenderID: from, ReceiverID: to,
		Encrypted: enc, Kind: models.KindText, Status: models.StatusSent,
		CreatedAt: epoch.Add(time.Duration(at) * time.Second),
	}
}

func TestAcknowledgeReplacesOptimisticEntry(t *testing.T) {
	k := testKey(1)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())

	enc, err := r.Encrypt(context.Background(), "u2", "hi")
	require.NoError(t, err)
	opt := r.BeginSend("u2", "hi", models.KindText, enc)
	assert.Equal(t, StatusLoading, opt.Status)
	assert.NotEmpty(t, opt.TempID)

	stored := message("m1", "u1", "u2", enc, 5)
	got := r.Acknowledge("u2", opt.TempID, stored)

	entries := r.Entries("u2")
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, models.StatusSent, entries[0].Status)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, stored.CreatedAt, entries[0].CreatedAt)
}

func TestEchoBeforeAcknowledge(t *testing.T) {
	k := testKey(1)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())
	enc := seal(t, "hi", k)
	opt := r.BeginSend("u2", "hi", models.KindText, enc)

	// the socket echo wins the race against the REST response
	peer, _ := r.Receive(context.Background(), message("m1", "u1", "u2", enc, 5))
	assert.Equal(t, "u2", peer)
	r.Acknowledge("u2", opt.TempID, message("m1", "u1", "u2", enc, 5))

	entries := r.Entries("u2")
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ID)
	assert.Equal(t, opt.TempID, entries[0].TempID)
	assert.Equal(t, models.StatusSent, entries[0].Status)
}

func TestNoDowngrade(t *testing.T) {
	k := testKey(1)
	r := New("u1", keyMap{}, DefaultTimeouts())
	enc := seal(t, "secret", k)
	m := message("m1", "u2", "u1", enc, 1)

	r.Upsert("u2", FromMessage(m, "secret"))
	// same message pushed again without a key
	_, got := r.Receive(context.Background(), m)

	assert.Equal(t, "secret", got.Text)
	assert.Equal(t, "secret", r.Entries("u2")[0].Text)
}

func TestLockedUpgradesToPlaintext(t *testing.T) {
	k := testKey(1)
	r := New("u1", keyMap{}, DefaultTimeouts())
	m := message("m1", "u2", "u1", seal(t, "later", k), 1)

	r.Upsert("u2", FromMessage(m, ""))
	assert.True(t, r.Entries("u2")[0].Locked())
	r.Upsert("u2", FromMessage(m, "later"))
	assert.Equal(t, "later", r.Entries("u2")[0].Text)
}

func TestUpsertIdempotent(t *testing.T) {
	k := testKey(2)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())
	m := message("m1", "u2", "u1", seal(t, "hello", k), 1)

	r.Receive(context.Background(), m)
	once := r.Entries("u2")
	r.Receive(context.Background(), m)
	assert.Equal(t, once, r.Entries("u2"))
	require.Len(t, once, 1)
	assert.Equal(t, "hello", once[0].Text)
}

func TestOutOfOrderArrivalIsSorted(t *testing.T) {
	k := testKey(3)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())
	ctx := context.Background()
	r.Receive(ctx, message("m3", "u2", "u1", seal(t, "three", k), 3))
	r.Receive(ctx, message("m1", "u2", "u1", seal(t, "one", k), 1))
	r.LoadHistory(ctx, "u2", []models.Message{
		message("m2", "u1", "u2", seal(t, "two", k), 2),
		message("m1", "u2", "u1", seal(t, "one", k), 1),
	})

	var texts []string
	for _, e := range r.Entries("u2") {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestDistinctIDsWithSameTimestamp(t *testing.T) {
	k := testKey(4)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())
	r.Upsert("u2", FromMessage(message("m1", "u2", "u1", seal(t, "a", k), 1), "a"))
	r.Upsert("u2", FromMessage(message("m2", "u2", "u1", seal(t, "b", k), 1), "b"))
	assert.Len(t, r.Entries("u2"), 2)
}

func TestTimestampMatchWithoutID(t *testing.T) {
	r := New("u1", keyMap{}, DefaultTimeouts())
	at := epoch.Add(time.Minute)
	r.Upsert("u2", Entry{SenderID: "u2", Text: "x", CreatedAt: at})
	r.Upsert("u2", Entry{ID: "m9", CreatedAt: at, Status: models.StatusDelivered})

	entries := r.Entries("u2")
	require.Len(t, entries, 1)
	assert.Equal(t, "m9", entries[0].ID)
	assert.Equal(t, "u2", entries[0].SenderID)
	assert.Equal(t, "x", entries[0].Text)
}

func TestEmptyFieldsDoNotErase(t *testing.T) {
	r := New("u1", keyMap{}, DefaultTimeouts())
	r.Upsert("u2", FromMessage(message("m1", "u2", "u1", models.Encrypted{IV: "aXY=", Ciphertext: "Y3Q="}, 1), "x"))
	r.Upsert("u2", Entry{ID: "m1"})

	e := r.Entries("u2")[0]
	assert.Equal(t, epoch.Add(time.Second), e.CreatedAt)
	assert.Equal(t, "u2", e.SenderID)
	assert.Equal(t, models.StatusSent, e.Status)
	assert.Equal(t, "Y3Q=", e.Encrypted.Ciphertext)
}

func TestStatusNeverRegresses(t *testing.T) {
	k := testKey(5)
	r := New("u1", keyMap{"u2": k}, DefaultTimeouts())
	m := message("m1", "u1", "u2", seal(t, "x", k), 1)
	r.Upsert("u2", FromMessage(m, "x"))

	assert.True(t, r.ApplyStatus("m1", models.StatusRead))
	r.ApplyStatus("m1", models.StatusDelivered)
	// a stale history fetch still says sent
	r.LoadHistory(context.Background(), "u2", []models.Message{m})
	assert.Equal(t, models.StatusRead, r.Entries("u2")[0].Status)
	assert.False(t, r.ApplyStatus("missing", models.StatusRead))
}

func TestFailMarksOptimisticEntry(t *testing.T) {
	r := New("u1", keyMap{}, DefaultTimeouts())
	opt := r.BeginSend("u2", "hi", models.KindText, models.Encrypted{IV: "aXY=", Ciphertext: "Y3Q="})
	r.Fail("u2", opt.TempID)
	e := r.Entries("u2")[0]
	assert.Equal(t, StatusFailed, e.Status)
	assert.Empty(t, e.ID)

	// an acknowledged entry is not failed afterwards
	ok := r.BeginSend("u2", "yo", models.KindText, models.Encrypted{IV: "aXY=", Ciphertext: "eW8="})
	r.Acknowledge("u2", ok.TempID, message("m2", "u1", "u2", ok.Encrypted, 9))
	r.Fail("u2", ok.TempID)
	for _, e := range r.Entries("u2") {
		if e.TempID == ok.TempID {
			assert.Equal(t, models.StatusSent, e.Status)
		}
	}
}

func TestApplyRead(t *testing.T) {
	r := New("u1", keyMap{}, DefaultTimeouts())
	r.Upsert("u2", FromMessage(message("m1", "u1", "u2", models.Encrypted{IV: "a", Ciphertext: "b"}, 1), "x"))
	r.Upsert("u2", FromMessage(message("m2", "u1", "u2", models.Encrypted{IV: "a", Ciphertext: "c"}, 2), "y"))
	r.Upsert("u2", FromMessage(message("m3", "u2", "u1", models.Encrypted{IV: "a", Ciphertext: "d"}, 3), "z"))

	assert.Equal(t, 2, r.ApplyRead("u1", "u2"))
	for _, e := range r.Entries("u2") {
		if e.SenderID == "u1" {
			assert.Equal(t, models.StatusRead, e.Status)
		} else {
			assert.Equal(t, models.StatusSent, e.Status)
		}
	}
	assert.Equal(t, 0, r.ApplyRead("u1", "u2"))
}

func TestHistoryWithoutKeyIsLocked(t *testing.T) {
	k := testKey(6)
	keys := keyMap{}
	r := New("u1", keys, DefaultTimeouts())
	entries := r.LoadHistory(context.Background(), "u2", []models.Message{
		message("m1", "u2", "u1", seal(t, "hidden", k), 1),
	})
	require.Len(t, entries, 1)
	assert.Equal(t, LockedText, entries[0].Text)

	assert.Equal(t, 1, r.Unlock("u2", k))
	assert.Equal(t, "hidden", r.Entries("u2")[0].Text)
}

func TestWrongKeyIsLocked(t *testing.T) {
	r := New("u1", keyMap{"u2": testKey(7)}, DefaultTimeouts())
	_, e := r.Receive(context.Background(), message("m1", "u2", "u1", seal(t, "x", testKey(8)), 1))
	assert.True(t, e.Locked())
}

func TestEncryptWithoutKey(t *testing.T) {
	r := New("u1", keyMap{}, DefaultTimeouts())
	_, err := r.Encrypt(context.Background(), "u2", "hi")
	assert.True(t, errors.Is(err, chaterr.ErrKeyUnavailable))
	assert.Empty(t, r.Entries("u2"))
}

func TestReceiveLearnsSenderKey(t *testing.T) {
	k := testKey(9)
	keys := keyMap{"jwk:alice-x": k}
	r := New("u1", keys, DefaultTimeouts())
	ctx := context.Background()

	// history loaded before any key was known
	r.LoadHistory(ctx, "u2", []models.Message{message("m1", "u2", "u1", seal(t, "earlier", k), 1)})
	require.True(t, r.Entries("u2")[0].Locked())

	m := message("m2", "u2", "u1", seal(t, "hi", k), 2)
	m.SenderPublicKey = models.JWK{"kty": "EC", "crv": "P-256", "x": "alice-x", "y": "y"}
	_, got := r.Receive(ctx, m)
	assert.Equal(t, "hi", got.Text)

	cached, ok := keys.SharedKey("u2")
	require.True(t, ok)
	assert.Equal(t, k, cached)
	assert.Equal(t, "earlier", r.Entries("u2")[0].Text)
}

func TestReceiveFetchesPublishedKey(t *testing.T) {
	k := testKey(10)
	r := New("u1", keyMap{"published:u2": k}, DefaultTimeouts())
	_, got := r.Receive(context.Background(), message("m1", "u2", "u1", seal(t, "fetched", k), 1))
	assert.Equal(t, "fetched", got.Text)
}

func TestEchoDoesNotLearnOwnKey(t *testing.T) {
	k := testKey(11)
	keys := keyMap{"jwk:my-x": k}
	r := New("u1", keys, DefaultTimeouts())

	m := message("m1", "u1", "u2", seal(t, "mine", k), 1)
	m.SenderPublicKey = models.JWK{"kty": "EC", "crv": "P-256", "x": "my-x", "y": "y"}
	_, got := r.Receive(context.Background(), m)
	assert.True(t, got.Locked())
	_, ok := keys.SharedKey("u2")
	assert.False(t, ok)
}

// blockingKeys fails the test if anything waits on the exchange.
type blockingKeys struct {
	keyMap
	t *testing.T
}

func (b blockingKeys) WaitForKey(context.Context, string, time.Duration, bool) (e2e.SharedKey, error) {
	b.t.Error("live push waited on the key exchange")
	return e2e.SharedKey{}, chaterr.ErrKeyUnavailable
}

func TestReceiveNeverWaitsOnExchange(t *testing.T) {
	r := New("u1", blockingKeys{keyMap: keyMap{}, t: t}, Timeouts{Send: time.Hour, Live: time.Hour, History: time.Hour})
	for i := 0; i < 5; i++ {
		_, got := r.Receive(context.Background(), message(fmt.Sprintf("m%d", i), "u2", "u1", models.Encrypted{IV: "aXY=", Ciphertext: fmt.Sprintf("Y3Q%d", i)}, i))
		assert.True(t, got.Locked())
	}
	assert.Len(t, r.Entries("u2"), 5)
}
