package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authedHandler(t *testing.T, keys map[string]string) (http.Handler, *string) {
	t.Helper()
	var seenTenant string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant = GetTenantFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return APIKeyAuth(keys)(next), &seenTenant
}

func TestAPIKeyAuth(t *testing.T) {
	h, tenant := authedHandler(t, map[string]string{"acme": "s3cret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/acme/scans/latest", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", *tenant)

	// Bare key without the Bearer prefix also works
	req = httptest.NewRequest(http.MethodGet, "/v1/acme/scans/latest", nil)
	req.Header.Set("Authorization", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthRejects(t *testing.T) {
	h, _ := authedHandler(t, map[string]string{"acme": "s3cret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/acme/scans/latest", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/acme/scans/latest", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyAuthSkipsProbes(t *testing.T) {
	h, _ := authedHandler(t, map[string]string{"acme": "s3cret"})

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow())
	}
	assert.False(t, tb.Allow())
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	assert.True(t, rl.Allow("acme:1.2.3.4"))
	assert.False(t, rl.Allow("acme:1.2.3.4"))
	// A different tenant+IP pair has its own bucket.
	assert.True(t, rl.Allow("other:1.2.3.4"))
}
