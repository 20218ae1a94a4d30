// Package sks implements the Security Key Service: SecurityGroup
// creation, the bounded-window key ring, rotation, and the
// GetSecurityKeys client contract (spec §4.5).
package sks

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/edgefieldbus/opcua-pubsub/security"
)

var (
	ErrNameExists         = errors.New("sks: security group name already exists")
	ErrNotFound           = errors.New("sks: security group not found")
	ErrPolicyUnsupported  = errors.New("sks: unsupported security policy uri")
	ErrInvalidParameter   = errors.New("sks: invalid parameter")
)

// keyRingEntry is one ring slot: a concrete key bound to a monotonic id.
type keyRingEntry struct {
	material security.KeyMaterial
}

// SecurityGroup holds the keyed ring described in spec §3: "the ring
// always contains exactly one current key plus up to maxFutureKeys
// future and maxPastKeys past keys; keyId is strictly monotonic."
//
// The ring is protected by mu using a single-writer/multi-reader
// discipline (spec §5's "Shared resources" note): rotation takes the
// write lock briefly to splice in a new entry, every read (encrypt,
// decrypt, GetSecurityKeys) takes the read lock, so no caller ever
// observes a torn key.
type SecurityGroup struct {
	Name          string
	Policy        security.Policy
	KeyLifetime   time.Duration
	MaxFutureKeys int
	MaxPastKeys   int

	mu         sync.RWMutex
	ring       []keyRingEntry // past...current...future, ordered by ascending keyId
	currentIdx int
	nextKeyID  uint32
	lastRotate time.Time
}

func newSecurityGroup(name string, policy security.Policy, lifetime time.Duration, maxFuture, maxPast int, now time.Time) (*SecurityGroup, error) {
	g := &SecurityGroup{
		Name:          name,
		Policy:        policy,
		KeyLifetime:   lifetime,
		MaxFutureKeys: maxFuture,
		MaxPastKeys:   maxPast,
		lastRotate:    now,
	}
	entry, err := g.generateKey()
	if err != nil {
		return nil, err
	}
	g.ring = []keyRingEntry{entry}
	g.currentIdx = 0
	for i := 0; i < maxFuture; i++ {
		entry, err := g.generateKey()
		if err != nil {
			return nil, err
		}
		g.ring = append(g.ring, entry)
	}
	return g, nil
}

func (g *SecurityGroup) generateKey() (keyRingEntry, error) {
	signingLen, encryptingLen, nonceLen := g.Policy.KeyLengths()
	signing := make([]byte, signingLen)
	encrypting := make([]byte, encryptingLen)
	nonce := make([]byte, nonceLen)
	// crypto/rand, not math/rand: key material must be unpredictable
	// (spec §9 supplement: rotation draws fresh key/nonce bytes from an
	// OS CSPRNG, matching open62541's UA_STATUSCODE-gated RNG use for
	// PubSub security key generation).
	for _, b := range [][]byte{signing, encrypting, nonce} {
		if _, err := rand.Read(b); err != nil {
			return keyRingEntry{}, err
		}
	}
	// keyId 0 is GetSecurityKeys' reserved "from current" sentinel
	// (spec §4.5), so the ring's first real key must start at 1 —
	// nextKeyID's zero value would otherwise collide with it.
	if g.nextKeyID == 0 {
		g.nextKeyID = 1
	}
	id := g.nextKeyID
	g.nextKeyID++
	return keyRingEntry{material: security.KeyMaterial{
		KeyID:         id,
		SigningKey:    signing,
		EncryptingKey: encrypting,
		Nonce:         nonce,
	}}, nil
}

// CurrentKey returns the ring's current key for encrypt/sign on publish.
func (g *SecurityGroup) CurrentKey() security.KeyMaterial {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ring[g.currentIdx].material
}

// KeyByID returns the ring entry for keyId, for decrypt/verify on
// subscribe. ok is false and security.ErrKeyTooShort is not involved —
// callers translate a false ok into spec §4.4's KeyNotAvailable.
func (g *SecurityGroup) KeyByID(keyID uint32) (security.KeyMaterial, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.ring {
		if e.material.KeyID == keyID {
			return e.material, true
		}
	}
	return security.KeyMaterial{}, false
}

// Rotate advances the ring by one key: the oldest past key (if the
// past window is full) is dropped, the current key becomes past, the
// nearest future key becomes current, and a fresh key is appended to
// the future end. Invariant preserved: |past| ≤ MaxPastKeys ∧
// |future| ≤ MaxFutureKeys ∧ keyIds strictly increasing (spec §8.5).
func (g *SecurityGroup) Rotate(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	newEntry, err := g.generateKey()
	if err != nil {
		return err
	}
	g.ring = append(g.ring, newEntry)
	g.currentIdx++
	g.lastRotate = now

	pastCount := g.currentIdx
	if pastCount > g.MaxPastKeys {
		drop := pastCount - g.MaxPastKeys
		g.ring = g.ring[drop:]
		g.currentIdx -= drop
	}
	return nil
}

// TimeToNextKey returns the duration until the current key's lifetime
// expires, relative to now, per GetSecurityKeys' timeToNextKey.
func (g *SecurityGroup) TimeToNextKey(now time.Time) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	deadline := g.lastRotate.Add(g.KeyLifetime)
	if deadline.Before(now) {
		return 0
	}
	return deadline.Sub(now)
}

// GetKeysFrom returns up to requestedCount keys in total, starting with
// the current key, capped at MaxFutureKeys+1 and at the keys left on the
// ring; a requestedCount of 0 or less returns all of them. It honors
// startingTokenId (spec §4.5's GetSecurityKeys): 0 means "from
// current"; a nonzero value that names a key still on the ring starts
// the returned slice there instead (letting a subscriber that missed
// rotations resync without replaying keys it already has), and an
// unknown nonzero value starts from current.
func (g *SecurityGroup) GetKeysFrom(startingTokenID uint32, requestedCount int) []security.KeyMaterial {
	g.mu.RLock()
	defer g.mu.RUnlock()

	startIdx := g.currentIdx
	if startingTokenID != 0 {
		for i, e := range g.ring {
			if e.material.KeyID == startingTokenID {
				startIdx = i
				break
			}
		}
	}
	maxAvailable := len(g.ring) - startIdx
	n := requestedCount
	if n <= 0 || n > maxAvailable {
		n = maxAvailable
	}
	if max := g.MaxFutureKeys + 1; n > max {
		n = max
	}
	out := make([]security.KeyMaterial, n)
	for i := 0; i < n; i++ {
		out[i] = g.ring[startIdx+i].material
	}
	return out
}
