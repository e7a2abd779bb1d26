// Package reconcile keeps the client's per-peer conversation views. History,
// optimistic sends and live pushes race each other; every source funnels
// through Upsert, which de-duplicates by identity and re-sorts by time.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/models"
	jww "github.com/spf13/jwalterweatherman"
)

// Keys resolves the shared key for a peer.
type Keys interface {
	// SharedKey returns the cached key without waiting.
	SharedKey(peerID string) (e2e.SharedKey, bool)
	// WaitForKey waits for the exchange, then optionally derives offline.
	WaitForKey(ctx context.Context, peerID string, timeout time.Duration, offline bool) (e2e.SharedKey, error)
	// Learn derives and caches the key from a public key carried by a message.
	Learn(peerID string, key models.JWK) (e2e.SharedKey, error)
	// FetchKey derives the key from the peer's published public key.
	FetchKey(ctx context.Context, peerID string, timeout time.Duration) (e2e.SharedKey, error)
}

// Timeouts bounds each key lookup. Live bounds the out-of-band fetch for a
// pushed message; pushes never wait on the exchange itself.
type Timeouts struct {
	Send    time.Duration
	Live    time.Duration
	History time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Send:    3 * time.Second,
		Live:    300 * time.Millisecond,
		History: 3 * time.Second,
	}
}

type Reconciler struct {
	self     string
	keys     Keys
	timeouts Timeouts
	now      func() time.Time

	mu    sync.Mutex
	views map[string][]Entry
}

func New(self string, keys Keys, timeouts Timeouts) *Reconciler {
	return &Reconciler{
		self:     self,
		keys:     keys,
		timeouts: timeouts,
		now:      time.Now,
		views:    make(map[string][]Entry),
	}
}

// Upsert merges in into the view for peerID and returns the stored entry.
// Applying the same entry twice leaves the view unchanged.
func (r *Reconciler) Upsert(peerID string, in Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(peerID, in)
}

func (r *Reconciler) upsertLocked(peerID string, in Entry) Entry {
	list := r.views[peerID]
	idx := find(list, in)
	if idx < 0 {
		if in.Text == "" {
			in.Text = LockedText
		}
		list = append(list, in)
		idx = len(list) - 1
	} else {
		list[idx] = list[idx].merge(in)
	}
	out := list[idx]
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	r.views[peerID] = list
	return out
}

// find returns the index of the entry in matches, trying each identity in
// priority order across the whole list before falling back to the next.
func find(list []Entry, in Entry) int {
	rules := []func(e Entry) bool{
		func(e Entry) bool { return in.TempID != "" && e.TempID == in.TempID },
		func(e Entry) bool { return in.ID != "" && e.ID == in.ID },
		func(e Entry) bool {
			return in.Encrypted.Ciphertext != "" && e.Encrypted == in.Encrypted && compatible(e, in)
		},
		func(e Entry) bool {
			return !in.CreatedAt.IsZero() && e.CreatedAt.Equal(in.CreatedAt) && compatible(e, in)
		},
	}
	for _, rule := range rules {
		for i := range list {
			if rule(list[i]) {
				return i
			}
		}
	}
	return -1
}

// compatible rejects weak matches between two different durable messages.
func compatible(a, b Entry) bool {
	return a.ID == "" || b.ID == "" || a.ID == b.ID
}

// Entries returns a copy of the view for peerID in display order.
func (r *Reconciler) Entries(peerID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.views[peerID]...)
}

// BeginSend inserts an optimistic entry for a message the user just
// submitted and returns it with its temporary id.
func (r *Reconciler) BeginSend(peerID, text string, kind models.Kind, enc models.Encrypted) Entry {
	return r.Upsert(peerID, Entry{
		TempID:     uuid.NewString(),
		SenderID:   r.self,
		ReceiverID: peerID,
		Encrypted:  enc,
		Kind:       kind,
		Status:     StatusLoading,
		Text:       text,
		CreatedAt:  r.now(),
	})
}

// Acknowledge attaches the persisted message to the optimistic entry
// tempID. The server's id, timestamp and status replace the local ones.
func (r *Reconciler) Acknowledge(peerID, tempID string, m models.Message) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := FromMessage(m, "")
	in.TempID = tempID
	return r.upsertLocked(peerID, in)
}

// Fail marks the optimistic entry tempID as failed. An entry that the
// server already acknowledged through another path is left alone.
func (r *Reconciler) Fail(peerID, tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.views[peerID] {
		if e.TempID == tempID && e.Status == StatusLoading {
			r.views[peerID][i].Status = StatusFailed
			return
		}
	}
}

// ApplyStatus advances the status of messageID wherever it appears.
func (r *Reconciler) ApplyStatus(messageID string, status models.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer, list := range r.views {
		for i := range list {
			if list[i].ID == messageID {
				r.views[peer][i].Status = advance(list[i].Status, status)
				return true
			}
		}
	}
	return false
}

// ApplyRead marks every message senderID sent to receiverID as read.
func (r *Reconciler) ApplyRead(senderID, receiverID string) int {
	peer := receiverID
	if receiverID == r.self {
		peer = senderID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, e := range r.views[peer] {
		if e.SenderID == senderID && e.ID != "" && e.Status != models.StatusRead {
			r.views[peer][i].Status = advance(e.Status, models.StatusRead)
			n++
		}
	}
	return n
}

// LoadHistory decrypts a fetched conversation and merges it into the view.
// Without a key every entry is stored locked.
func (r *Reconciler) LoadHistory(ctx context.Context, peerID string, msgs []models.Message) []Entry {
	key, err := r.keys.WaitForKey(ctx, peerID, r.timeouts.History, true)
	if err != nil {
		jww.WARN.Printf("[RECONCILE] history with %s stays locked: %v", peerID, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		var text string
		if err == nil {
			text = open(m, key)
		}
		entries = append(entries, FromMessage(m, text))
	}

	r.mu.Lock()
	for _, e := range entries {
		r.upsertLocked(peerID, e)
	}
	r.mu.Unlock()
	return r.Entries(peerID)
}

// Receive merges a pushed message, either the peer's or our own echo. It
// returns the peer the message belongs to and the stored entry.
//
// The key comes from the cache, then from the sender key the message
// carries, then from the peer's published key. Waiting on the exchange
// here would stall the connection that delivers its answer.
func (r *Reconciler) Receive(ctx context.Context, m models.Message) (string, Entry) {
	peerID := m.Peer(r.self)
	key, fresh, err := r.liveKey(ctx, peerID, m)

	var text string
	if err == nil {
		text = open(m, key)
	} else {
		jww.DEBUG.Printf("[RECONCILE] live message %s locked: %v", m.ID, err)
	}
	entry := r.Upsert(peerID, FromMessage(m, text))
	if fresh && r.Unlock(peerID, key) > 0 {
		entry, _ = r.lookup(peerID, entry)
	}
	return peerID, entry
}

// liveKey resolves the key for a pushed message. fresh is set when the key
// was not cached before.
func (r *Reconciler) liveKey(ctx context.Context, peerID string, m models.Message) (e2e.SharedKey, bool, error) {
	if key, ok := r.keys.SharedKey(peerID); ok {
		return key, false, nil
	}
	if m.SenderID != r.self && m.SenderPublicKey != nil {
		key, err := r.keys.Learn(peerID, m.SenderPublicKey)
		if err == nil {
			return key, true, nil
		}
		jww.WARN.Printf("[RECONCILE] sender key on %s: %v", m.ID, err)
	}
	key, err := r.keys.FetchKey(ctx, peerID, r.timeouts.Live)
	return key, err == nil, err
}

func (r *Reconciler) lookup(peerID string, e Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.views[peerID]
	if i := find(list, e); i >= 0 {
		return list[i], true
	}
	return e, false
}

// Encrypt seals text for peerID, waiting for the key and deriving it
// offline if the exchange does not finish in time.
func (r *Reconciler) Encrypt(ctx context.Context, peerID, text string) (models.Encrypted, error) {
	key, err := r.keys.WaitForKey(ctx, peerID, r.timeouts.Send, true)
	if err != nil {
		return models.Encrypted{}, err
	}
	return e2e.Encrypt(text, key)
}

// Unlock retries decryption of every locked entry for peerID with the key
// now at hand.
func (r *Reconciler) Unlock(peerID string, key e2e.SharedKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, e := range r.views[peerID] {
		if !e.Locked() || e.Encrypted.Ciphertext == "" {
			continue
		}
		if text, err := e2e.Decrypt(e.Encrypted, key); err == nil {
			r.views[peerID][i].Text = text
			n++
		}
	}
	return n
}

func open(m models.Message, key e2e.SharedKey) string {
	if m.Encrypted.IV == "" {
		return ""
	}
	text, err := e2e.Decrypt(m.Encrypted, key)
	if err != nil {
		if !errors.Is(err, chaterr.ErrDecryption) {
			jww.WARN.Printf("[RECONCILE] message %s: %v", m.ID, err)
		}
		return ""
	}
	return text
}
