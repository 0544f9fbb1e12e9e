// Package control implements gorfbd's admin HTTP surface: a small
// bearer-token-protected API for health checks, live-client listing, and
// hot add/remove of displays, kept entirely separate from the RFB wire
// protocol itself — embedders reach the server over the library API, and
// this HTTP surface exists only for operators. Tokens are HMAC-signed
// JWTs; request correlation and security headers come from
// internal/middleware.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gorfb/gorfbd/internal/middleware"
)

// Claims is the JWT payload issued to an authenticated operator.
type Claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// TokenIssuer signs and validates the HMAC bearer tokens the control
// plane's handlers require. It implements middleware.TokenValidator.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer builds an issuer from a shared secret (at least 32
// bytes) and a token lifetime.
func NewTokenIssuer(secret string, expiry time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("control: secret must be at least 32 characters")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}, nil
}

// Issue mints a bearer token for the given operator subject.
func (t *TokenIssuer) Issue(subject string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "gorfbd-control",
			Subject:   subject,
		},
		Subject: subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken implements middleware.TokenValidator.
func (t *TokenIssuer) ValidateToken(_ context.Context, tokenString string) (string, bool) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	return claims.Subject, true
}

var _ middleware.TokenValidator = (*TokenIssuer)(nil)

// HashOperatorPassword bcrypt-hashes an operator account password. This is
// distinct from the wire-protocol VNC-auth password, which needs the raw
// plaintext to drive DES and so can never be stored as a one-way hash.
func HashOperatorPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckOperatorPassword reports whether password matches the stored hash.
func CheckOperatorPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ClientInfo is the subset of a live Client Session the admin API exposes.
type ClientInfo struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
}

// ClientLister is implemented by internal/rfbserver.Server.
type ClientLister interface {
	ListClients() []ClientInfo
}

// DisplayManager is implemented by internal/rfbserver.Server to support
// hot add/remove of named displays from the admin API.
type DisplayManager interface {
	AddDisplay(name string, width, height int) error
	RemoveDisplay(name string) error
	ListDisplays() []string
}

// API wires the admin control plane's dependencies into an http.Handler.
type API struct {
	Clients  ClientLister
	Displays DisplayManager
	Issuer   *TokenIssuer

	// OperatorUser/OperatorPasswordHash gate POST /login. A zero-value
	// OperatorPasswordHash disables the route entirely (no operator
	// account configured), leaving bearer tokens as the only way in.
	OperatorUser         string
	OperatorPasswordHash string
}

// Handler builds the full admin HTTP handler, with request-ID propagation
// and security headers applied to every route, and bearer-token auth
// required on every route but /healthz and /login.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.OperatorPasswordHash != "" {
		mux.HandleFunc("POST /login", a.handleLogin)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /clients", a.handleListClients)
	protected.HandleFunc("GET /displays", a.handleListDisplays)
	protected.HandleFunc("POST /displays", a.handleAddDisplay)
	protected.HandleFunc("DELETE /displays/{name}", a.handleRemoveDisplay)

	mux.Handle("/", middleware.AuthMiddleware(a.Issuer)(protected))

	return middleware.RequestID(middleware.SecurityHeaders(mux))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges an operator account password for a bearer token,
// the one password-based entry point into an otherwise bearer-token-only
// admin surface.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username != a.OperatorUser || !CheckOperatorPassword(a.OperatorPasswordHash, req.Password) {
		reqID := middleware.GetRequestID(r.Context())
		http.Error(w, fmt.Sprintf("invalid credentials (request %s)", reqID), http.StatusUnauthorized)
		return
	}
	token, err := a.Issuer.Issue(req.Username)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Clients.ListClients())
}

func (a *API) handleListDisplays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Displays.ListDisplays())
}

type addDisplayRequest struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (a *API) handleAddDisplay(w http.ResponseWriter, r *http.Request) {
	var req addDisplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = uuid.NewString()
	}
	if err := a.Displays.AddDisplay(req.Name, req.Width, req.Height); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (a *API) handleRemoveDisplay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.Displays.RemoveDisplay(name); err != nil {
		if errors.Is(err, errDisplayNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errDisplayNotFound = errors.New("control: display not found")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
