// Package keyexchange negotiates a shared key with each peer by relaying
// public keys over the live connection.
//
// Each peer moves NoKey -> Deriving -> Ready. Selecting a peer without a key
// offers our public key; receiving the peer's key derives the shared key and
// answers with ours once, so both sides converge whichever spoke first.
package keyexchange

import (
	"context"
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/models"
	jww "github.com/spf13/jwalterweatherman"
)

type State int

const (
	NoKey State = iota
	Deriving
	Ready
)

func (s State) String() string {
	switch s {
	case Deriving:
		return "deriving"
	case Ready:
		return "ready"
	default:
		return "no-key"
	}
}

// Emitter sends an event over the live connection.
type Emitter interface {
	Emit(event string, data interface{}) error
}

// PublicKeyFetcher looks up a user's public key out of band. A nil key means
// the user has not published one.
type PublicKeyFetcher interface {
	FetchPublicKey(ctx context.Context, userID string) (models.JWK, error)
}

type peer struct {
	state State
	key   e2e.SharedKey
	// closed once the key is first written
	ready chan struct{}
	// our public key has been offered to this peer
	offered bool
}

type Exchange struct {
	private *ecdh.PrivateKey
	public  models.JWK
	emitter Emitter
	fetcher PublicKeyFetcher

	mu    sync.Mutex
	peers map[string]*peer
}

func New(private *ecdh.PrivateKey, public models.JWK, emitter Emitter, fetcher PublicKeyFetcher) *Exchange {
	return &Exchange{
		private: private,
		public:  public.Sanitize(),
		emitter: emitter,
		fetcher: fetcher,
		peers:   make(map[string]*peer),
	}
}

func (x *Exchange) peerLocked(id string) *peer {
	p, ok := x.peers[id]
	if !ok {
		p = &peer{ready: make(chan struct{})}
		x.peers[id] = p
	}
	return p
}

// State reports the negotiation state for peerID.
func (x *Exchange) State(peerID string) State {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.peers[peerID]; ok {
		return p.state
	}
	return NoKey
}

// SharedKey returns the cached key for peerID if negotiation finished.
func (x *Exchange) SharedKey(peerID string) (e2e.SharedKey, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.peers[peerID]
	if !ok || p.state != Ready {
		return e2e.SharedKey{}, false
	}
	return p.key, true
}

// Select starts negotiation with peerID if no key is cached yet.
func (x *Exchange) Select(peerID string) error {
	x.mu.Lock()
	p := x.peerLocked(peerID)
	if p.state == Ready {
		x.mu.Unlock()
		return nil
	}
	p.state = Deriving
	p.offered = true
	x.mu.Unlock()

	return x.offer(peerID)
}

// OnReceivePublicKey handles a peer's public key relayed by the server.
// Repeats overwrite the cache with an equivalent key.
func (x *Exchange) OnReceivePublicKey(from string, key models.JWK) error {
	shared, err := e2e.DeriveSharedKey(x.private, key)
	if err != nil {
		return errors.WithMessagef(err, "derive key with %s", from)
	}

	x.mu.Lock()
	p := x.peerLocked(from)
	x.storeLocked(p, shared)
	reply := !p.offered
	p.offered = true
	x.mu.Unlock()

	jww.DEBUG.Printf("[KX] shared key with %s ready", from)
	if reply {
		return x.offer(from)
	}
	return nil
}

func (x *Exchange) storeLocked(p *peer, key e2e.SharedKey) {
	p.key = key
	if p.state != Ready {
		p.state = Ready
		close(p.ready)
	}
}

func (x *Exchange) offer(peerID string) error {
	err := x.emitter.Emit(models.EventSendPublicKey, models.PublicKeyOffer{To: peerID, PublicKey: x.public})
	if err != nil {
		// allow a later Select to try again
		x.mu.Lock()
		if p, ok := x.peers[peerID]; ok && p.state != Ready {
			p.offered = false
		}
		x.mu.Unlock()
		return chaterr.Transport(err, "offer key to %s", peerID)
	}
	return nil
}

// WaitForKey returns the shared key for peerID, waiting up to timeout for
// the exchange to finish. If that times out and offline is set, the peer's
// public key is fetched over REST and the key derived locally within a
// second timeout. Failure is chaterr.ErrKeyUnavailable.
func (x *Exchange) WaitForKey(ctx context.Context, peerID string, timeout time.Duration, offline bool) (e2e.SharedKey, error) {
	x.mu.Lock()
	p := x.peerLocked(peerID)
	ready := p.ready
	x.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		if key, ok := x.SharedKey(peerID); ok {
			return key, nil
		}
	case <-ctx.Done():
		return e2e.SharedKey{}, errors.WithMessage(chaterr.ErrKeyUnavailable, ctx.Err().Error())
	case <-timer.C:
	}

	if !offline {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "no key from %s after %v", peerID, timeout)
	}
	return x.FetchKey(ctx, peerID, timeout)
}

// Learn caches the shared key derived from a public key seen outside the
// exchange, such as the sender key attached to a message. No reply is sent.
func (x *Exchange) Learn(peerID string, key models.JWK) (e2e.SharedKey, error) {
	shared, err := e2e.DeriveSharedKey(x.private, key)
	if err != nil {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "derive with %s: %v", peerID, err)
	}
	x.mu.Lock()
	x.storeLocked(x.peerLocked(peerID), shared)
	x.mu.Unlock()
	jww.DEBUG.Printf("[KX] learned key for %s from a message", peerID)
	return shared, nil
}

// FetchKey fetches peerID's published public key over REST and derives the
// shared key locally, giving up after timeout.
func (x *Exchange) FetchKey(ctx context.Context, peerID string, timeout time.Duration) (e2e.SharedKey, error) {
	if x.fetcher == nil {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "no key source for %s", peerID)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key, err := x.fetcher.FetchPublicKey(ctx, peerID)
	if err != nil {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "fetch %s: %v", peerID, err)
	}
	if key == nil {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "%s has no public key", peerID)
	}
	shared, err := e2e.DeriveSharedKey(x.private, key)
	if err != nil {
		return e2e.SharedKey{}, errors.WithMessagef(chaterr.ErrKeyUnavailable, "derive with %s: %v", peerID, err)
	}

	x.mu.Lock()
	x.storeLocked(x.peerLocked(peerID), shared)
	x.mu.Unlock()
	jww.DEBUG.Printf("[KX] derived key with %s offline", peerID)
	return shared, nil
}
