package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/repository/memory"
)

func TestKeyServiceInitializeCreatesKey(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewKeyStore()
	svc := NewKeyService(store, 0, clock, logger.Nop())

	require.NoError(t, svc.Initialize(context.Background(), auth.AlgorithmEd25519))

	id, alg, key, err := svc.SigningKey()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, auth.AlgorithmEd25519, alg)
	assert.NotNil(t, key)
	assert.False(t, svc.NeedsRotation())

	// a second instance loads the same key instead of generating one
	other := NewKeyService(store, 0, clock, logger.Nop())
	require.NoError(t, other.Initialize(context.Background(), auth.AlgorithmEd25519))
	otherID, _, _, err := other.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, id, otherID)
}

func TestRotatedKeyStillVerifies(t *testing.T) {
	clock := newFakeClock()
	svc := NewKeyService(memory.NewKeyStore(), 24*time.Hour, clock, logger.Nop())
	require.NoError(t, svc.Initialize(context.Background(), auth.AlgorithmHybrid))

	tokens := auth.NewTokenService("authcore", svc, clock.Now)
	now := clock.Now()
	old, err := tokens.Sign("acc_1", "ses_1", "agent", now, now.Add(time.Hour))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	assert.True(t, svc.NeedsRotation())

	info, err := svc.RotateKey(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.False(t, svc.NeedsRotation())

	fresh, err := tokens.Sign("acc_1", "ses_2", "agent", clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = tokens.Validate(fresh)
	assert.NoError(t, err)

	// old token is past its own exp but its key is still known
	_, _, err = svc.VerificationKey(headerKeyID(t, old))
	assert.NoError(t, err)

	keys, err := svc.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.True(t, keys[0].Active)
	assert.False(t, keys[1].Active)
	assert.NotNil(t, keys[1].RetiredAt)
}

func TestInitializeRotatesStaleKey(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewKeyStore()
	first := NewKeyService(store, time.Hour, clock, logger.Nop())
	require.NoError(t, first.Initialize(context.Background(), auth.AlgorithmEd25519))
	firstID, _, _, _ := first.SigningKey()

	clock.Advance(2 * time.Hour)
	second := NewKeyService(store, time.Hour, clock, logger.Nop())
	require.NoError(t, second.Initialize(context.Background(), auth.AlgorithmEd25519))
	secondID, _, _, _ := second.SigningKey()
	assert.NotEqual(t, firstID, secondID)

	_, _, err := second.VerificationKey(firstID)
	assert.NoError(t, err, "retired key stays in the verification ring")
	_, _, err = second.VerificationKey("sk_unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func headerKeyID(t *testing.T, token string) string {
	t.Helper()
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	require.NoError(t, err)
	kid, _ := parsed.Header["kid"].(string)
	return kid
}
