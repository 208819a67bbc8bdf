// Package auth validates presented bearer credentials. Two formats are
// accepted: signed JWTs checked against a cached signing-key set, and (where
// the deployment enables it) short-lived opaque display-name tokens.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"deepforge/server/internal/store"
)

// Error classes surfaced to the session arbiter. Map to the auth_failed and
// auth_expired wire codes.
var (
	ErrAuthFailed  = errors.New("auth: verification failed")
	ErrAuthExpired = errors.New("auth: credential expired")
)

// OpaqueTokenMaxAge bounds the lifetime of unsigned display-name tokens.
const OpaqueTokenMaxAge = 24 * time.Hour

// ClockSkew is the tolerance applied to signed-token time claims.
const ClockSkew = 30 * time.Second

// DefaultKeyTTL is how long a fetched key set is trusted before refresh.
const DefaultKeyTTL = time.Hour

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Config tunes the verifier.
type Config struct {
	Issuer        string
	Audience      string
	AllowUnsigned bool
	KeyTTL        time.Duration
}

// KeySource supplies the current signing-key set; the store adapter satisfies
// it.
type KeySource interface {
	KeySet(ctx context.Context) ([]store.SigningKey, error)
}

// Verifier validates bearer tokens. The key set is cached with a TTL and
// invalidated once on signature failure before giving up; concurrent
// refreshes collapse to a single fetch.
type Verifier struct {
	cfg  Config
	keys KeySource

	mu        sync.Mutex
	cached    []store.SigningKey
	fetchedAt time.Time
	group     singleflight.Group

	now func() time.Time
}

// NewVerifier builds a verifier over the given key source.
func NewVerifier(cfg Config, keys KeySource) *Verifier {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	return &Verifier{cfg: cfg, keys: keys, now: time.Now}
}

// Verify validates token and returns the identity it asserts.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errors.Wrap(ErrAuthFailed, "empty credential")
	}
	if strings.Count(token, ".") == 2 {
		return v.verifySigned(ctx, token)
	}
	if !v.cfg.AllowUnsigned {
		return Identity{}, errors.Wrap(ErrAuthFailed, "unsigned credentials disabled")
	}
	return v.verifyOpaque(token)
}

type opaquePayload struct {
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id"`
	IssuedAt    int64  `json:"issued_at"`
}

func (v *Verifier) verifyOpaque(token string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(token); err != nil {
			return Identity{}, errors.Wrap(ErrAuthFailed, "malformed opaque token")
		}
	}
	var payload opaquePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.UserID == "" {
		return Identity{}, errors.Wrap(ErrAuthFailed, "malformed opaque token")
	}
	issued := time.Unix(payload.IssuedAt, 0)
	now := v.now()
	if issued.After(now.Add(ClockSkew)) {
		return Identity{}, errors.Wrap(ErrAuthFailed, "opaque token issued in the future")
	}
	if now.Sub(issued) > OpaqueTokenMaxAge {
		return Identity{}, errors.Wrap(ErrAuthExpired, "opaque token too old")
	}
	return Identity{UserID: payload.UserID, DisplayName: payload.DisplayName}, nil
}

func (v *Verifier) verifySigned(ctx context.Context, token string) (Identity, error) {
	keys, err := v.keySet(ctx, false)
	if err != nil {
		return Identity{}, errors.Wrap(err, "fetch key set")
	}
	ident, err := v.parseSigned(token, keys)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, jwt.ErrTokenSignatureInvalid) && !errors.Is(err, errKeyNotFound) {
		return Identity{}, classify(err)
	}
	// The signer may have rotated; drop the cache and retry once with a
	// fresh key set.
	keys, ferr := v.keySet(ctx, true)
	if ferr != nil {
		return Identity{}, errors.Wrap(ferr, "refresh key set")
	}
	ident, err = v.parseSigned(token, keys)
	if err != nil {
		return Identity{}, classify(err)
	}
	return ident, nil
}

var errKeyNotFound = errors.New("auth: no key matches token")

func (v *Verifier) parseSigned(token string, keys []store.SigningKey) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, key := range keys {
			if kid != "" && key.ID != kid {
				continue
			}
			if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
				continue
			}
			return materialize(key)
		}
		return nil, errKeyNotFound
	}, opts...)
	if err != nil {
		return Identity{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.Wrap(ErrAuthFailed, "unexpected claim format")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.Wrap(ErrAuthFailed, "token missing subject")
	}
	if iss, _ := claims.GetIssuer(); iss == "" {
		return Identity{}, errors.Wrap(ErrAuthFailed, "token missing issuer")
	}
	if aud, _ := claims.GetAudience(); len(aud) == 0 {
		return Identity{}, errors.Wrap(ErrAuthFailed, "token missing audience")
	}

	ident := Identity{UserID: sub}
	if name, ok := claims["display_name"].(string); ok {
		ident.DisplayName = name
	} else if name, ok := claims["name"].(string); ok {
		ident.DisplayName = name
	}
	return ident, nil
}

func materialize(key store.SigningKey) (any, error) {
	switch {
	case strings.HasPrefix(key.Algorithm, "HS"):
		if len(key.Secret) == 0 {
			return nil, errors.Errorf("key %s has no secret", key.ID)
		}
		return key.Secret, nil
	case strings.HasPrefix(key.Algorithm, "RS"):
		return jwt.ParseRSAPublicKeyFromPEM([]byte(key.PublicKeyPEM))
	case strings.HasPrefix(key.Algorithm, "ES"):
		return jwt.ParseECPublicKeyFromPEM([]byte(key.PublicKeyPEM))
	default:
		return nil, errors.Errorf("key %s has unsupported algorithm %q", key.ID, key.Algorithm)
	}
}

func classify(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return errors.Wrap(ErrAuthExpired, err.Error())
	}
	return errors.Wrap(ErrAuthFailed, err.Error())
}

// keySet returns the cached signing keys, fetching when the cache is empty,
// stale, or force-invalidated. Concurrent fetches collapse to one.
func (v *Verifier) keySet(ctx context.Context, force bool) ([]store.SigningKey, error) {
	v.mu.Lock()
	if !force && v.cached != nil && v.now().Sub(v.fetchedAt) < v.cfg.KeyTTL {
		keys := v.cached
		v.mu.Unlock()
		return keys, nil
	}
	if force {
		v.cached = nil
	}
	v.mu.Unlock()

	result, err, _ := v.group.Do("keyset", func() (any, error) {
		keys, err := v.keys.KeySet(ctx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.cached = keys
		v.fetchedAt = v.now()
		v.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]store.SigningKey), nil
}
