package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BARN_BACKEND_URL", "")
	t.Setenv("BARN_BACKEND_KEY", "")
	t.Setenv("JWT_EXPIRATION", "")

	cfg := Load()
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 10*time.Second, cfg.LoadingTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProfileRetryDelay)
	assert.False(t, cfg.BackendConfigured())
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("JWT_EXPIRATION", "15m")
	t.Setenv("BARN_LOADING_TIMEOUT", "3")
	t.Setenv("BARN_PROFILE_RETRY_DELAY", "soon")

	cfg := Load()
	assert.Equal(t, 15*time.Minute, cfg.JWTExpiration)
	assert.Equal(t, 3*time.Second, cfg.LoadingTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProfileRetryDelay, "unparseable values fall back")
}

func TestBackendConfigured(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want bool
	}{
		{"both set", "http://localhost:3001", "pk", true},
		{"missing key", "http://localhost:3001", "", false},
		{"missing url", "", "pk", false},
		{"not a url", "localhost", "pk", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BARN_BACKEND_URL", tt.url)
			t.Setenv("BARN_BACKEND_KEY", tt.key)
			assert.Equal(t, tt.want, Load().BackendConfigured())
		})
	}
}

func TestLoad_TrimsBackendURL(t *testing.T) {
	t.Setenv("BARN_BACKEND_URL", "https://barn.example.com/")
	assert.Equal(t, "https://barn.example.com", Load().BackendURL)
}

func TestDSN_MasksCredentials(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://barn:secret@db:5432/barn?sslmode=disable"}
	assert.Equal(t, "postgres://***@db:5432/barn", cfg.DSN())
	assert.NotContains(t, cfg.DSN(), "secret")
}
