package sks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefieldbus/opcua-pubsub/security"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService()
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(nil) })
	return svc
}

func TestAddSecurityGroupRequiresSession(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AddSecurityGroup(SessionContext{}, "G1", time.Second, security.URIAes128CTR, 2, 1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestAddSecurityGroupRejectsDuplicateName(t *testing.T) {
	svc := newTestService(t)
	sc := NewSessionContext("op")
	_, err := svc.AddSecurityGroup(sc, "G1", time.Second, security.URIAes128CTR, 2, 1)
	require.NoError(t, err)
	_, err = svc.AddSecurityGroup(sc, "G1", time.Second, security.URIAes128CTR, 2, 1)
	assert.ErrorIs(t, err, ErrNameExists)
}

func TestAddSecurityGroupRejectsUnsupportedPolicy(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AddSecurityGroup(NewSessionContext("op"), "G1", time.Second, "bogus-uri", 2, 1)
	assert.ErrorIs(t, err, ErrPolicyUnsupported)
}

func TestGetSecurityKeysInitial(t *testing.T) {
	svc := newTestService(t)
	sc := NewSessionContext("op")
	_, err := svc.AddSecurityGroup(sc, "G1", time.Second, security.URIAes128CTR, 2, 1)
	require.NoError(t, err)

	res, err := svc.GetSecurityKeys(sc, "G1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, security.URIAes128CTR, res.PolicyURI)
	assert.Len(t, res.Keys, 2)
	assert.Equal(t, time.Second, res.KeyLifetime)
	assert.Greater(t, res.TimeToNextKey, time.Duration(0))
	assert.LessOrEqual(t, res.TimeToNextKey, time.Second)
}

func TestGetSecurityKeysAfterRotation(t *testing.T) {
	group, err := newSecurityGroup("G1", mustPolicy(t), 30*time.Millisecond, 2, 1, time.Now())
	require.NoError(t, err)

	before := group.GetKeysFrom(0, 2)
	require.NoError(t, group.Rotate(time.Now().Add(40*time.Millisecond)))

	// startingTokenId names the key that was current before rotation
	// (spec §8 scenario 5): it is now past, not current, so
	// GetKeysFrom(1, ...) must hand back that same key first rather
	// than the key that replaced it.
	after := group.GetKeysFrom(before[0].KeyID, 2)

	assert.Equal(t, before[0].KeyID, after[0].KeyID)
	assert.Equal(t, before[0].KeyID+1, after[1].KeyID)
}

func TestRingRespectsWindowBounds(t *testing.T) {
	group, err := newSecurityGroup("G1", mustPolicy(t), time.Second, 1, 1, time.Now())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, group.Rotate(time.Now()))
		assert.LessOrEqual(t, group.currentIdx, group.MaxPastKeys)
		assert.LessOrEqual(t, len(group.ring)-group.currentIdx-1, group.MaxFutureKeys)
	}
}

func TestKeyIDsStrictlyIncreasing(t *testing.T) {
	group, err := newSecurityGroup("G1", mustPolicy(t), time.Second, 2, 2, time.Now())
	require.NoError(t, err)
	first := true
	var last uint32
	for _, e := range group.ring {
		if !first {
			assert.Greater(t, e.material.KeyID, last)
		}
		first = false
		last = e.material.KeyID
	}
}

func mustPolicy(t *testing.T) security.Policy {
	t.Helper()
	p, ok := security.ByURI(security.URIAes128CTR)
	require.True(t, ok)
	return p
}
