package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// okHandler is the protected handler used behind the middleware under test.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func Test_AuthMiddleware_DisabledPassesThrough(t *testing.T) {
	t.Parallel()
	h := authMiddleware("", okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func Test_AuthMiddleware_Enforced(t *testing.T) {
	t.Parallel()
	h := authMiddleware("secret-key", okHandler)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer secret-key", http.StatusOK},
		{"case-insensitive scheme", "bearer secret-key", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"malformed header", "secret-key", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-key", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/retrieve", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func Test_RateLimiter_RejectsAfterBurst(t *testing.T) {
	t.Parallel()
	rl, stop := newRateLimiter(1, 2, slog.Default())
	defer stop()
	h := rl.middleware(okHandler)

	statuses := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/retrieve", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}
}

func Test_RateLimiter_PerIPIsolation(t *testing.T) {
	t.Parallel()
	rl, stop := newRateLimiter(1, 1, slog.Default())
	defer stop()
	h := rl.middleware(okHandler)

	first := httptest.NewRequest(http.MethodGet, "/api/retrieve", nil)
	first.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("first IP first request = %d", w.Code)
	}

	// A different IP has its own bucket and is not affected.
	second := httptest.NewRequest(http.MethodGet, "/api/retrieve", nil)
	second.RemoteAddr = "10.0.0.2:5000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, second)
	if w.Code != http.StatusOK {
		t.Errorf("second IP blocked by first IP's bucket: %d", w.Code)
	}
}
