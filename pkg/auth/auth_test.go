package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVerifier(t *testing.T, cfg Config) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	v, err := NewVerifier(cfg, client)
	require.NoError(t, err)
	return v, mr
}

func TestIssueAndVerify(t *testing.T) {
	v, _ := testVerifier(t, Config{Secret: "test-secret", AccessTokenTTL: 15 * time.Minute})

	token, err := v.Issue("node-accra-01", "gh-accra")
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "node-accra-01", id.Subject)
	assert.Equal(t, "gh-accra", id.Region)
	assert.NotEmpty(t, id.JTI)
	assert.False(t, id.Relay)
	assert.False(t, id.ExpiresAt.IsZero())
}

func TestVerifyRejectsMissingAndGarbage(t *testing.T) {
	v, _ := testVerifier(t, Config{Secret: "test-secret", AccessTokenTTL: 15 * time.Minute})
	ctx := context.Background()

	_, err := v.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = v.Verify(ctx, "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuerSide, _ := testVerifier(t, Config{Secret: "secret-a", AccessTokenTTL: 15 * time.Minute})
	verifierSide, _ := testVerifier(t, Config{Secret: "secret-b", AccessTokenTTL: 15 * time.Minute})

	token, err := issuerSide.Issue("node-1", "gh-accra")
	require.NoError(t, err)

	_, err = verifierSide.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v, _ := testVerifier(t, Config{Secret: "test-secret", AccessTokenTTL: 15 * time.Minute})

	issuedAt := time.Now().Add(-time.Hour)
	v.now = func() time.Time { return issuedAt }
	token, err := v.Issue("node-1", "gh-accra")
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFederationSecretShortCircuits(t *testing.T) {
	v, _ := testVerifier(t, Config{Secret: "test-secret", FederationSecret: "fed-secret", AccessTokenTTL: 15 * time.Minute})

	id, err := v.Verify(context.Background(), "fed-secret")
	require.NoError(t, err)
	assert.True(t, id.Relay)
	assert.Equal(t, "federation-relay", id.Subject)
}

func TestRevocation(t *testing.T) {
	v, _ := testVerifier(t, Config{Secret: "test-secret", AccessTokenTTL: 15 * time.Minute})
	ctx := context.Background()

	token, err := v.Issue("node-1", "gh-accra")
	require.NoError(t, err)
	id, err := v.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, id.JTI, id.ExpiresAt))
	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevocationBackendFailureSurfacesIdentity(t *testing.T) {
	v, mr := testVerifier(t, Config{Secret: "test-secret", AccessTokenTTL: 15 * time.Minute})
	token, err := v.Issue("node-1", "gh-accra")
	require.NoError(t, err)

	// The error is surfaced so callers deny by default, but the verified
	// identity comes back for write paths that fail open.
	mr.Close()
	id, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "node-1", id.Subject)
}

func TestBearerFromHeader(t *testing.T) {
	assert.Equal(t, "abc", BearerFromHeader("Bearer abc"))
	assert.Equal(t, "abc", BearerFromHeader("Bearer   abc "))
	assert.Equal(t, "", BearerFromHeader("abc"))
	assert.Equal(t, "", BearerFromHeader(""))
	assert.Equal(t, "", BearerFromHeader("Basic abc"))
}
