package auth

import (
	"net/http"
	"strings"
)

// Identity is who a connection edits as
type Identity struct {
	UserID      string
	DisplayName string
	Permissions Permissions
	Anonymous   bool
}

// Authenticator turns tokens into identities
type Authenticator struct {
	secret         string
	allowAnonymous bool
}

// NewAuthenticator creates an authenticator. With an empty secret every
// token is rejected; allowAnonymous lets token-less connections in with full
// access.
func NewAuthenticator(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: secret, allowAnonymous: allowAnonymous}
}

// AllowsAnonymous reports whether token-less joins are accepted
func (a *Authenticator) AllowsAnonymous() bool {
	return a.allowAnonymous
}

// Identify verifies token, or builds an anonymous identity from the
// client-supplied name and email when token is empty. fallbackID names the
// anonymous user when no email is given.
func (a *Authenticator) Identify(token, name, email, fallbackID string) (*Identity, error) {
	if token == "" {
		if !a.allowAnonymous {
			return nil, ErrMissingToken
		}
		userID := email
		if userID == "" {
			userID = "anonymous-" + fallbackID
		}
		if name == "" {
			name = "Anonymous"
		}
		return &Identity{
			UserID:      userID,
			DisplayName: name,
			Permissions: FullAccess(),
			Anonymous:   true,
		}, nil
	}

	if a.secret == "" {
		return nil, ErrInvalidToken
	}
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, err
	}

	display := claims.Name
	if display == "" {
		display = name
	}
	if display == "" {
		display = claims.UserID
	}
	return &Identity{
		UserID:      claims.UserID,
		DisplayName: display,
		Permissions: claims.Permissions,
	}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter of an upgrade request.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
