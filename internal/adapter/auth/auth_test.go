package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/barnstaff/internal/port"
)

var (
	_ port.AuthProvider = (*GoogleProvider)(nil)
	_ port.AuthProvider = (*GitHubProvider)(nil)
)

// fakeIdP serves a token endpoint plus the given JSON API routes. Every API
// route requires "Bearer tok-123".
func fakeIdP(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-123",
			"refresh_token": "ref-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      "idt",
		})
	})
	for path, body := range routes {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleProvider_AuthURL(t *testing.T) {
	p := NewGoogleProvider("cid", "secret", "http://localhost:3001/auth/callback")
	assert.Equal(t, "google", p.ProviderName())

	u, err := url.Parse(p.AuthURL("google:nonce"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "google:nonce", q.Get("state"))
	assert.Equal(t, "http://localhost:3001/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "select_account", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "email")
}

func TestGoogleProvider_ExchangeAndIdentity(t *testing.T) {
	srv := fakeIdP(t, map[string]any{
		"/oauth2/v2/userinfo": map[string]any{
			"id": "g-1", "email": "ana@example.com", "verified_email": true,
			"name": "Ana", "picture": "https://img/ana.png",
		},
	})
	p := NewGoogleProvider("cid", "secret", "http://cb", WithEndpoints(srv.URL+"/auth", srv.URL+"/token", srv.URL))

	pair, err := p.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", pair.AccessToken)
	assert.Equal(t, "ref-456", pair.RefreshToken)
	assert.Equal(t, "idt", pair.IDToken)
	assert.Greater(t, pair.ExpiresIn, 3000)

	id, err := p.GetIdentity(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "g-1", id.ProviderID)
	assert.Equal(t, "google", id.Provider)
	assert.Equal(t, "ana@example.com", id.Email)
	assert.Equal(t, "https://img/ana.png", id.AvatarURL)
}

func TestGoogleProvider_Rejects(t *testing.T) {
	srv := fakeIdP(t, map[string]any{
		"/oauth2/v2/userinfo": map[string]any{"id": "g-1", "email": "ana@example.com", "verified_email": false},
	})
	p := NewGoogleProvider("cid", "secret", "http://cb", WithEndpoints(srv.URL+"/auth", srv.URL+"/token", srv.URL))

	_, err := p.ExchangeCode(context.Background(), "bad-code")
	assert.Error(t, err)

	_, err = p.GetIdentity(context.Background(), "wrong-token")
	assert.ErrorContains(t, err, "401")

	_, err = p.GetIdentity(context.Background(), "tok-123")
	assert.ErrorContains(t, err, "verified email")
}

func TestGitHubProvider_PrivateEmail(t *testing.T) {
	srv := fakeIdP(t, map[string]any{
		"/user": map[string]any{"id": 42, "login": "octo", "name": "", "email": ""},
		"/user/emails": []map[string]any{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "octo@example.com", "primary": true, "verified": true},
		},
	})
	p := NewGitHubProvider("cid", "secret", "http://cb", WithEndpoints(srv.URL+"/auth", srv.URL+"/token", srv.URL))
	assert.Equal(t, "github", p.ProviderName())

	id, err := p.GetIdentity(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "42", id.ProviderID)
	assert.Equal(t, "octo", id.Name, "falls back to login")
	assert.Equal(t, "octo@example.com", id.Email)
}

func TestGitHubProvider_NoVerifiedEmail(t *testing.T) {
	srv := fakeIdP(t, map[string]any{
		"/user":        map[string]any{"id": 42, "login": "octo"},
		"/user/emails": []map[string]any{{"email": "x@example.com", "primary": true, "verified": false}},
	})
	p := NewGitHubProvider("cid", "secret", "http://cb", WithEndpoints(srv.URL+"/auth", srv.URL+"/token", srv.URL))

	_, err := p.GetIdentity(context.Background(), "tok-123")
	assert.ErrorContains(t, err, "verified primary email")
}
