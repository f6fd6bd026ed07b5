package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *time.Time) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("a"))

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(t, 60, 2)
	assert.True(t, l.Allow("a"))

	*now = now.Add(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_PruneDropsIdleKeys(t *testing.T) {
	l, now := newTestLimiter(t, 60, 10)
	l.Allow("idle")

	*now = now.Add(5 * time.Second)
	l.Allow("busy")
	*now = now.Add(16 * time.Second)
	l.prune()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "idle")
	assert.Contains(t, l.clients, "busy")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, 30, 1)
	router := gin.New()
	router.Use(l.Middleware(nil))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, do("10.0.0.1").Code)

	w := do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("10.0.0.2").Code)
}

func TestMiddleware_CustomKey(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)
	router := gin.New()
	router.POST("/sessions/:id/events", l.Middleware(func(c *gin.Context) string { return c.Param("id") }),
		func(c *gin.Context) { c.Status(http.StatusCreated) })

	post := func(id string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/events", nil))
		return w.Code
	}
	assert.Equal(t, http.StatusCreated, post("sess_a"))
	assert.Equal(t, http.StatusTooManyRequests, post("sess_a"))
	assert.Equal(t, http.StatusCreated, post("sess_b"))
}
