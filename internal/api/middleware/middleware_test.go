package middleware

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

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.Any("/*path", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestRateLimitPerClient(t *testing.T) {
	r := newRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
}

func TestLimiterSetEvictsStaleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newLimiterSet(RateLimitConfig{RequestsPerSecond: 10, Burst: 10, ClientTTL: time.Minute})
	set.now = func() time.Time { return now }

	require.True(t, set.allow("a"))
	require.True(t, set.allow("b"))
	assert.Equal(t, 2, set.len())

	now = now.Add(2 * time.Minute)
	require.True(t, set.allow("c"))
	assert.Equal(t, 1, set.len())
}

func TestGlobalRateLimit(t *testing.T) {
	r := newRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestCORSWildcard(t *testing.T) {
	r := newRouter(CORS(DefaultCORSConfig()))

	req := httptest.NewRequest(http.MethodOptions, "/app", nil)
	req.Header.Set("Origin", "http://client.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSExplicitOrigins(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"http://allowed.test"}
	cfg.AllowCredentials = true
	r := newRouter(CORS(cfg))

	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	req.Header.Set("Origin", "http://allowed.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "http://allowed.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/app", nil)
	req.Header.Set("Origin", "http://denied.test")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
