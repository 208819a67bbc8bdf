package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"deepforge/server/internal/store"
)

type fakeKeys struct {
	mu      sync.Mutex
	keys    []store.SigningKey
	fetches atomic.Int64
	block   chan struct{}
}

func (f *fakeKeys) KeySet(context.Context) ([]store.SigningKey, error) {
	f.fetches.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SigningKey(nil), f.keys...), nil
}

func (f *fakeKeys) rotate(keys []store.SigningKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func signHS256(t *testing.T, kid string, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":          "user-1",
		"iss":          "deepforge",
		"aud":          "deepforge-clients",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"display_name": "Steve",
	}
}

func newTestVerifier(keys KeySource) *Verifier {
	return NewVerifier(Config{Issuer: "deepforge", Audience: "deepforge-clients", AllowUnsigned: true}, keys)
}

func TestVerifySignedToken(t *testing.T) {
	secret := []byte("topsecret")
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: secret}}}
	v := newTestVerifier(src)

	ident, err := v.Verify(context.Background(), signHS256(t, "k1", secret, baseClaims()))
	require.NoError(t, err)
	require.Equal(t, "user-1", ident.UserID)
	require.Equal(t, "Steve", ident.DisplayName)
}

func TestVerifyExpiredToken(t *testing.T) {
	secret := []byte("topsecret")
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: secret}}}
	v := newTestVerifier(src)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := v.Verify(context.Background(), signHS256(t, "k1", secret, claims))
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestVerifyHonorsClockSkew(t *testing.T) {
	secret := []byte("topsecret")
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: secret}}}
	v := newTestVerifier(src)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix() // inside the 30s leeway
	_, err := v.Verify(context.Background(), signHS256(t, "k1", secret, claims))
	require.NoError(t, err)
}

func TestVerifyMissingClaims(t *testing.T) {
	secret := []byte("topsecret")
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: secret}}}
	v := newTestVerifier(src)

	for _, drop := range []string{"sub", "iss", "aud", "exp"} {
		claims := baseClaims()
		delete(claims, drop)
		_, err := v.Verify(context.Background(), signHS256(t, "k1", secret, claims))
		require.ErrorIs(t, err, ErrAuthFailed, "token without %s must fail", drop)
	}
}

func TestVerifyRotationOnFailure(t *testing.T) {
	oldSecret := []byte("old-secret")
	newSecret := []byte("new-secret")
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: oldSecret}}}
	v := newTestVerifier(src)

	// Prime the cache with the old key set.
	_, err := v.Verify(context.Background(), signHS256(t, "k1", oldSecret, baseClaims()))
	require.NoError(t, err)

	// Signer rotated out from under the cache; the verifier must refetch
	// once and succeed.
	src.rotate([]store.SigningKey{{ID: "k2", Algorithm: "HS256", Secret: newSecret}})
	ident, err := v.Verify(context.Background(), signHS256(t, "k2", newSecret, baseClaims()))
	require.NoError(t, err)
	require.Equal(t, "user-1", ident.UserID)
	require.GreaterOrEqual(t, src.fetches.Load(), int64(2))
}

func TestVerifyBadSignatureFailsAfterRefresh(t *testing.T) {
	src := &fakeKeys{keys: []store.SigningKey{{ID: "k1", Algorithm: "HS256", Secret: []byte("real")}}}
	v := newTestVerifier(src)

	_, err := v.Verify(context.Background(), signHS256(t, "k1", []byte("forged"), baseClaims()))
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Equal(t, int64(2), src.fetches.Load(), "one prime fetch plus one rotation refetch")
}

func opaqueToken(t *testing.T, userID, name string, issuedAt time.Time) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"user_id":      userID,
		"display_name": name,
		"issued_at":    issuedAt.Unix(),
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestVerifyOpaqueToken(t *testing.T) {
	v := newTestVerifier(&fakeKeys{})

	ident, err := v.Verify(context.Background(), opaqueToken(t, "u9", "Alex", time.Now()))
	require.NoError(t, err)
	require.Equal(t, "u9", ident.UserID)
	require.Equal(t, "Alex", ident.DisplayName)

	_, err = v.Verify(context.Background(), opaqueToken(t, "u9", "Alex", time.Now().Add(-25*time.Hour)))
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestVerifyOpaqueDisabled(t *testing.T) {
	v := NewVerifier(Config{AllowUnsigned: false}, &fakeKeys{})
	_, err := v.Verify(context.Background(), opaqueToken(t, "u9", "Alex", time.Now()))
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestKeySetRefreshCollapses(t *testing.T) {
	src := &fakeKeys{block: make(chan struct{})}
	v := newTestVerifier(src)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.keySet(context.Background(), false)
		}()
	}
	// Let the goroutines pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	require.Equal(t, int64(1), src.fetches.Load(), "concurrent refreshes must collapse to one fetch")
}
