package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)

	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"), "fourth message inside the window is rejected")
	assert.True(t, rl.Allow("c2"), "connections are limited independently")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("c1"), "window slides")

	rl.Reset("c2")
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("c2"))
	}
}

func TestBearerTokenSources(t *testing.T) {
	// Header wins over query and cookie.
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-header", bearerToken(r))

	// Query parameter next.
	r = httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-query", bearerToken(r))

	// Cookie last.
	r = httptest.NewRequest("GET", "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", bearerToken(r))

	// Nothing provided.
	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, bearerToken(r))
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("AGENTFLEET_JWT_SECRET", "sekrit")
	t.Setenv("AGENTFLEET_QUEUE_MAX", "7")
	t.Setenv("AGENTFLEET_GRACE_WINDOW", "30")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.JWTSecret)
	assert.Equal(t, 7, cfg.QueueMax)
	assert.Equal(t, 30*time.Second, cfg.GraceWindow)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestConfigRequiresSecret(t *testing.T) {
	t.Setenv("AGENTFLEET_JWT_SECRET", "")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("AGENTFLEET_JWT_SECRET", "sekrit")
	t.Setenv("AGENTFLEET_QUEUE_MAX", "zero")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}
