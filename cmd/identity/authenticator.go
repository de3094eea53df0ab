package identity

import (
	"context"
	"net/http"
	"strings"
)

// DevUserHeader names the unauthenticated dev-mode identity header.
const DevUserHeader = "X-Bazaar-User"

// Authenticator resolves the acting user of an HTTP request.
type Authenticator struct {
	verifier Verifier
	devMode  bool
}

// NewAuthenticator constructs an Authenticator.
// With devMode, requests without a bearer token may name their user in DevUserHeader.
// A nil verifier is only valid in devMode.
func NewAuthenticator(v Verifier, devMode bool) (*Authenticator, error) {
	if v == nil && !devMode {
		return nil, OpError{Op: "identity.NewAuthenticator", Kind: ErrInvalidConfig, Msg: "verifier is required"}
	}
	return &Authenticator{verifier: v, devMode: devMode}, nil
}

// Authenticate returns the Principal of r, or an ErrUnauthenticated/ErrInvalidToken error.
// Only the Authorization header is read; tokens in the URL are rejected.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	return a.authenticate(r, BearerToken(r))
}

// AuthenticateUpgrade is Authenticate for a WebSocket handshake: it also accepts
// the access_token query parameter when no Authorization header is present.
func (a *Authenticator) AuthenticateUpgrade(r *http.Request) (Principal, error) {
	tok := BearerToken(r)
	if tok == "" {
		tok = QueryToken(r)
	}
	return a.authenticate(r, tok)
}

func (a *Authenticator) authenticate(r *http.Request, tok string) (Principal, error) {
	const op = "identity.Authenticate"

	if tok != "" {
		if a.verifier == nil {
			return Principal{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "token verification disabled"}
		}
		return a.verifier.Verify(r.Context(), tok)
	}
	if a.devMode {
		if uid := strings.TrimSpace(r.Header.Get(DevUserHeader)); uid != "" {
			return Principal{UserID: uid}, nil
		}
	}
	return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated, Msg: "missing bearer token"}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the Principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}
