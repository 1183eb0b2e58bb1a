// Package admin is the gateway's operator surface: group/proxy-key CRUD over
// the registry, health-record inspection, the "clear invalid keys" action,
// and session-token authentication for all of it.
//
// Authentication is a single shared bootstrap secret exchanged for a
// short-lived JWT session token; every other admin route then requires
// that token as a bearer credential. There is one shared secret rather than
// a per-operator API-key store.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the JWT payload minted on a successful login.
type sessionClaims struct {
	jwt.RegisteredClaims
}

const sessionSubject = "gateway-admin"

var errInvalidSession = errors.New("admin: invalid or expired session token")

// IssueSessionToken mints a new HS256 admin session token valid for ttl,
// signed with secret. Exposed for the relaykit-cli "admin token issue"
// command, which issues tokens out-of-band of a running server.
func IssueSessionToken(secret []byte, ttl time.Duration) (string, error) {
	return issueToken(secret, ttl)
}

// issueToken mints a new HS256 session token valid for ttl.
func issueToken(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// verifyToken parses and validates a session token previously minted by
// issueToken.
func verifyToken(secret []byte, raw string) error {
	parsed, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSession
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return errInvalidSession
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject != sessionSubject {
		return errInvalidSession
	}
	return nil
}

// login exchanges the operator's bootstrap secret for a session token. A
// blank configured BootToken disables the admin surface entirely: every
// request, including login, is rejected.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.BootToken == "" {
		writeError(w, http.StatusServiceUnavailable, "admin api disabled: no boot token configured")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Token), []byte(a.BootToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid boot token")
		return
	}

	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, err := issueToken(a.JWTSecret, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"expires_in": int(ttl.Seconds()),
	})
}

// requireSession is chi-compatible middleware guarding every admin route
// other than /login behind a valid session token.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.BootToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin api disabled: no boot token configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer session token")
			return
		}
		tok := strings.TrimPrefix(auth, "Bearer ")
		if err := verifyToken(a.JWTSecret, tok); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
