package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	clienterrors "github.com/charlesng35/jamlink/pkg/errors"
)

// Identity describes the authenticated user as seen by this client.
type Identity struct {
	UserID      string
	DisplayName string
	Token       string
}

// FromToken extracts the identity from an access token. The signature is not
// verified here: the server remains the authority and rejects forged tokens
// on connect; the client only needs the claims for display and handoff.
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, clienterrors.ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, clienterrors.ErrInvalidToken.WithInternal(err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Identity{}, clienterrors.ErrInvalidToken
	}

	return Identity{
		UserID:      subject,
		DisplayName: displayNameFromClaims(claims),
		Token:       token,
	}, nil
}

func displayNameFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"name", "preferred_username", "username"} {
		if value, ok := claims[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
