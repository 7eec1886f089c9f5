// Package auth validates Google ID tokens for the login endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"

	"polychat/backend/internal/config"
)

var ErrUnverifiedEmail = errors.New("google account email is not verified")

// GoogleIdentity is the subset of token claims the session layer needs.
type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
	AvatarURL     string
}

type Verifier struct {
	cfg config.Config
}

func NewVerifier(cfg config.Config) Verifier {
	return Verifier{cfg: cfg}
}

// Verify validates the token signature and audience against the configured
// client ID and requires a verified email claim.
func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, errors.New("id token is required")
	}

	// In insecure mode identities come from test headers; this path must not
	// mint one from an unvalidated token.
	if v.cfg.InsecureSkipGoogleVerify {
		return GoogleIdentity{}, errors.New("AUTH_INSECURE_SKIP_GOOGLE_VERIFY enabled: testing endpoint requires explicit test identity header")
	}

	payload, err := idtoken.Validate(ctx, idToken, v.cfg.GoogleClientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}

	email := claimString(payload.Claims, "email")
	if email == "" {
		return GoogleIdentity{}, errors.New("google token missing email claim")
	}
	if verified, _ := payload.Claims["email_verified"].(bool); !verified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         strings.ToLower(email),
		Name:          claimString(payload.Claims, "name"),
		AvatarURL:     claimString(payload.Claims, "picture"),
	}, nil
}

func claimString(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}
