// Package auth consumes the session-verification collaborator. Session
// minting lives elsewhere; this side only verifies bearer tokens.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/faults"
)

// Session is the verified identity attached to a request
type Session struct {
	UserID  string   `json:"user_id"`
	IsAdmin bool     `json:"is_admin"`
	TeamIDs []string `json:"team_ids,omitempty"`
}

// Verifier checks a bearer token with the auth collaborator
type Verifier interface {
	VerifySession(ctx context.Context, token string) (*Session, error)
}

// sessionKey is the echo context key the middleware stores the session under
const sessionKey = "auth.session"

// Middleware authenticates every request through the verifier and stores
// the session on the echo context.
func Middleware(verifier Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request())
			if token == "" {
				return faults.New(faults.KindUnauthorized, "missing bearer token")
			}

			session, err := verifier.VerifySession(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(sessionKey, session)
			return next(c)
		}
	}
}

// FromContext returns the session the middleware attached
func FromContext(c echo.Context) *Session {
	if s, ok := c.Get(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

// WithSession attaches a session directly, bypassing the middleware.
// Intended for handler tests.
func WithSession(c echo.Context, s *Session) {
	c.Set(sessionKey, s)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// HTTPVerifier posts the token to the auth service's verify endpoint
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier creates a verifier against the given endpoint
func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPVerifier{url: url, client: client}
}

// VerifySession implements Verifier
func (v *HTTPVerifier) VerifySession(ctx context.Context, token string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindUnauthorized, err, "building verify request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "auth service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindUnauthorized, "session rejected (%d)", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, faults.Wrap(faults.KindUnauthorized, err, "undecodable verify response")
	}
	if session.UserID == "" {
		return nil, faults.New(faults.KindUnauthorized, "verify response without user id")
	}
	return &session, nil
}

// InsecureVerifier treats the bearer token itself as the user id.
// Development and tests only.
type InsecureVerifier struct{}

// VerifySession implements Verifier
func (InsecureVerifier) VerifySession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, faults.New(faults.KindUnauthorized, "empty token")
	}
	return &Session{UserID: token}, nil
}
