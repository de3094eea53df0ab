package app

import (
	"errors"
	"fmt"

	"bazaar/cmd/identity"
)

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast: a production deployment must never fall back to the dev identity header.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireAuth {
		return nil
	}
	if cfg.JWTSecret == "" {
		return errors.New("security policy: BAZAAR_REQUIRE_AUTH=true but BAZAAR_JWT_SECRET is missing")
	}
	// Bytes, not runes: the key is used as raw HMAC input.
	if len(cfg.JWTSecret) < identity.MinSecretBytes {
		return fmt.Errorf("security policy: BAZAAR_JWT_SECRET is too short (min %d bytes)", identity.MinSecretBytes)
	}
	return nil
}

// newAuthenticator builds the request authenticator matching the policy.
func newAuthenticator(cfg Config) (*identity.Authenticator, error) {
	if cfg.JWTSecret == "" {
		return identity.NewAuthenticator(nil, !cfg.RequireAuth)
	}
	var opts []identity.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, identity.WithIssuer(cfg.JWTIssuer))
	}
	v, err := identity.NewJWTVerifier([]byte(cfg.JWTSecret), opts...)
	if err != nil {
		return nil, err
	}
	return identity.NewAuthenticator(v, !cfg.RequireAuth)
}
