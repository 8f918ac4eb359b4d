// Package auth verifies probe and relay identities. Central issues scoped
// tokens; relays verify probe tokens and carry them forward; the federation
// shared secret identifies a relay hop. Revocation is a Redis denylist keyed
// by token jti.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "fiber-central"
	audience = "fiber-ingest"

	revokePrefix = "fiber:revoked:jti:"
	// revocation TTL carries a skew buffer past token expiry.
	revokeSkew = 5 * time.Minute
)

// Identity is the authenticated actor attached to a request.
type Identity struct {
	Subject   string
	Region    string
	JTI       string
	ExpiresAt time.Time
	// Relay is true for the federation shared-secret identity.
	Relay bool
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// Config for the verifier.
type Config struct {
	// Secret enables HS256 issuance and verification.
	Secret string `yaml:"secret"`
	// PublicKeyFile, when set, switches verification to RS256 against the
	// issuer public key; issuance is then unavailable on this instance.
	PublicKeyFile string `yaml:"public_key_file"`
	// FederationSecret is the shared bearer accepted as a relay identity.
	FederationSecret string        `yaml:"federation_secret"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Secret, prefix+".secret", "", "HS256 signing secret.")
	f.StringVar(&cfg.PublicKeyFile, prefix+".public-key-file", "", "PEM file with the issuer RS256 public key.")
	f.StringVar(&cfg.FederationSecret, prefix+".federation-secret", "", "Shared secret identifying relay pushes.")
	f.DurationVar(&cfg.AccessTokenTTL, prefix+".access-token-ttl", 15*time.Minute, "Lifetime of issued probe tokens.")
}

// Verifier checks bearer tokens and the revocation denylist.
type Verifier struct {
	cfg       Config
	publicKey *rsa.PublicKey
	denylist  redis.UniversalClient
	now       func() time.Time
}

// NewVerifier builds a Verifier. denylist may be nil, disabling revocation
// checks (probe-side use).
func NewVerifier(cfg Config, denylist redis.UniversalClient) (*Verifier, error) {
	v := &Verifier{cfg: cfg, denylist: denylist, now: time.Now}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading public key: %w", err)
		}
		v.publicKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
	} else if cfg.Secret == "" && cfg.FederationSecret == "" {
		return nil, errors.New("auth requires a secret, a public key file or a federation secret")
	}
	return v, nil
}

// Issue creates an HS256 access token for a probe subject with a region claim.
func (v *Verifier) Issue(subject, region string) (string, error) {
	if v.cfg.Secret == "" {
		return "", errors.New("token issuance requires the signing secret")
	}
	now := v.now().UTC()
	claims := jwt.MapClaims{
		"sub":    subject,
		"region": region,
		"iss":    issuer,
		"aud":    audience,
		"iat":    now.Unix(),
		"exp":    now.Add(v.cfg.AccessTokenTTL).Unix(),
		"jti":    uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.Secret))
}

// Verify authenticates a bearer token. The federation secret short-circuits
// to a relay identity; anything else must be a valid signed token that is not
// on the denylist.
func (v *Verifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	if bearer == "" {
		return Identity{}, ErrMissingToken
	}
	if v.cfg.FederationSecret != "" && bearer == v.cfg.FederationSecret {
		return Identity{Subject: "federation-relay", Relay: true}, nil
	}

	var (
		methods []string
		keyfunc jwt.Keyfunc
	)
	if v.publicKey != nil {
		methods = []string{"RS256"}
		keyfunc = func(*jwt.Token) (interface{}, error) { return v.publicKey, nil }
	} else {
		if v.cfg.Secret == "" {
			return Identity{}, ErrInvalidToken
		}
		methods = []string{"HS256"}
		keyfunc = func(*jwt.Token) (interface{}, error) { return []byte(v.cfg.Secret), nil }
	}

	token, err := jwt.Parse(bearer, keyfunc,
		jwt.WithValidMethods(methods),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		Subject: stringClaim(claims, "sub"),
		Region:  stringClaim(claims, "region"),
		JTI:     stringClaim(claims, "jti"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if v.denylist != nil && id.JTI != "" {
		revoked, err := v.denylist.Exists(ctx, revokePrefix+id.JTI).Result()
		if err != nil {
			// The token itself checked out. Return the identity with the
			// error so callers can choose to fail open on write paths.
			return id, fmt.Errorf("revocation check: %w", err)
		}
		if revoked > 0 {
			return Identity{}, ErrRevoked
		}
	}
	return id, nil
}

// Revoke adds a jti to the denylist until the token would have expired.
func (v *Verifier) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if v.denylist == nil {
		return errors.New("no denylist backend configured")
	}
	ttl := time.Until(expiresAt) + revokeSkew
	if ttl <= 0 {
		return nil
	}
	return v.denylist.Set(ctx, revokePrefix+jti, "revoked", ttl).Err()
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
