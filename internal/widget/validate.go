package widget

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sjawhar/click2call/internal/call"
)

// validateConfig rejects a configuration before any resource is acquired.
// Tokens that look like JWTs are checked for expiry without verifying the
// signature; opaque tokens pass as is.
func validateConfig(cfg call.Config, now time.Time) error {
	if strings.TrimSpace(cfg.Destination) == "" {
		return ErrMissingDestination
	}
	if !cfg.SupportsAudio && !cfg.SupportsVideo {
		return ErrNoMedia
	}
	return validateToken(cfg.Token, now)
}

func validateToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
