package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeClients struct{ clients []ClientInfo }

func (f fakeClients) ListClients() []ClientInfo { return f.clients }

type fakeDisplays struct {
	names []string
}

func (f *fakeDisplays) ListDisplays() []string { return f.names }
func (f *fakeDisplays) AddDisplay(name string, width, height int) error {
	f.names = append(f.names, name)
	return nil
}
func (f *fakeDisplays) RemoveDisplay(name string) error {
	for i, n := range f.names {
		if n == name {
			f.names = append(f.names[:i], f.names[i+1:]...)
			return nil
		}
	}
	return errDisplayNotFound
}

func newTestAPI(t *testing.T) (*API, *TokenIssuer) {
	t.Helper()
	issuer, err := NewTokenIssuer(strings.Repeat("x", 32), 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return &API{
		Clients:  fakeClients{clients: []ClientInfo{{ID: "c1", RemoteAddr: "1.2.3.4:5900", State: "Ready"}}},
		Displays: &fakeDisplays{names: []string{"main"}},
		Issuer:   issuer,
	}, issuer
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestClientsRequiresAuth(t *testing.T) {
	api, issuer := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := issuer.Issue("operator")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req2 := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec2.Code)
	}

	var clients []ClientInfo
	if err := json.NewDecoder(rec2.Body).Decode(&clients); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(clients) != 1 || clients[0].ID != "c1" {
		t.Errorf("unexpected clients payload: %+v", clients)
	}
}

func TestLoginIssuesTokenForValidCredentials(t *testing.T) {
	api, _ := newTestAPI(t)
	hash, err := HashOperatorPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashOperatorPassword() error = %v", err)
	}
	api.OperatorUser = "admin"
	api.OperatorPasswordHash = hash

	bad := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, bad)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}

	good := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"correct horse battery staple"}`))
	rec2 := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec2, good)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct password, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec2.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec3 := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec3, req)
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected the issued token to authorize /clients, got %d", rec3.Code)
	}
}

func TestLoginRouteAbsentWithoutOperatorAccount(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected /login to be unavailable when no operator account is configured")
	}
}

func TestAddAndRemoveDisplay(t *testing.T) {
	api, issuer := newTestAPI(t)
	token, _ := issuer.Issue("operator")

	body := strings.NewReader(`{"name":"secondary","width":1024,"height":768}`)
	req := httptest.NewRequest(http.MethodPost, "/displays", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodDelete, "/displays/does-not-exist", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 removing unknown display, got %d", rec2.Code)
	}

	var _ error = errDisplayNotFound
	if !errors.Is(errDisplayNotFound, errDisplayNotFound) {
		t.Fatal("sentinel error should match itself")
	}
}
