package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRequiresToken(t *testing.T) {
	wrapped := WrapWithAuth(okHandler(), []string{"secret"}, nil)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"no bearer prefix", "secret", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"unknown token", "Bearer wrong", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/vaults", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAuthExemptPaths(t *testing.T) {
	wrapped := WrapWithAuth(okHandler(), []string{"secret"}, nil)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d, want 200 without token", path, rec.Code)
		}
	}
}

func TestAuthDisabledWithoutTokens(t *testing.T) {
	wrapped := WrapWithAuth(okHandler(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/vaults", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 with auth disabled", rec.Code)
	}
}

func TestRateLimiterThrottlesPerCaller(t *testing.T) {
	limiter := NewRateLimiter(1, 2, nil)
	wrapped := limiter.Handler(okHandler())

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/vaults", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of two allowed, third rejected.
	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("first request status %d", code)
	}
	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("second request status %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("third request status %d, want 429", code)
	}

	// A different caller has its own bucket.
	if code := send("bob"); code != http.StatusOK {
		t.Fatalf("other caller status %d", code)
	}
}
