package gateway

import (
	"context"
	"net/http"
)

// TokenValidator authenticates the token carried in a hello frame and
// resolves it to a stable user identifier (spec.md §6 handshake: "Server
// validates the token (via injected validator)"). Implementations may call
// out to an identity provider; the gateway itself has no opinion on token
// format.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// HeaderTokenValidator accepts the token at face value, trusting it was
// already verified upstream by a reverse proxy — the same oauth2-proxy
// header-trust pattern the teacher's pkg/api/auth.go uses for extractAuthor,
// generalized from a fixed header set to accepting the hello token directly
// as the user identifier. Suitable behind a proxy that terminates real auth;
// not suitable as a standalone internet-facing validator.
type HeaderTokenValidator struct{}

func (HeaderTokenValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

var errEmptyToken = &authError{"empty token"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

// extractForwardedUser mirrors the teacher's oauth2-proxy header priority
// (X-Forwarded-User, then X-Forwarded-Email) for REST endpoints that run
// behind the same proxy as the websocket upgrade path.
func extractForwardedUser(r *http.Request) string {
	if u := r.Header.Get("X-Forwarded-User"); u != "" {
		return u
	}
	if e := r.Header.Get("X-Forwarded-Email"); e != "" {
		return e
	}
	return ""
}
