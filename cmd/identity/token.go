package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum HMAC secret length accepted by NewJWTVerifier.
const MinSecretBytes = 32

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// JWTVerifier validates HS256 tokens issued by the identity provider.
// The subject claim carries the user id.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = strings.TrimSpace(iss) }
}

// WithLeeway tolerates clock skew when checking exp/nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock overrides the verification clock (tests).
func WithClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier constructs a verifier. The secret must be at least MinSecretBytes long.
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < MinSecretBytes {
		return nil, OpError{Op: "identity.NewJWTVerifier", Kind: ErrInvalidConfig, Msg: "secret too short"}
	}
	v := &JWTVerifier{
		secret: append([]byte(nil), secret...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses and validates token, returning the subject as the user id.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	const op = "identity.Verify"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "token rejected"}
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "missing subject"}
	}

	p := Principal{UserID: sub}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueHS256 signs a token for userID. The provider owns issuance in production;
// this exists for the smoke tool and tests.
func IssueHS256(secret []byte, issuer, userID string, now time.Time, ttl time.Duration) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// QueryToken extracts the access_token query parameter. Browsers cannot set headers on a
// WebSocket handshake, so only the upgrade path reads it.
func QueryToken(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
