package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/JonMunkholm/redcap-etl/internal/config"
)

func TestIsValidAPIKey(t *testing.T) {
	keys := []string{"alpha", "beta"}
	tests := []struct {
		key  string
		want bool
	}{
		{"alpha", true},
		{"beta", true},
		{"gamma", false},
		{"", false},
		{"alph", false},
	}
	for _, tt := range tests {
		if got := isValidAPIKey(tt.key, keys); got != tt.want {
			t.Errorf("isValidAPIKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	called := false
	h := APIKeyAuth(&config.ServerConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	if !called {
		t.Error("handler not called with auth disabled")
	}
}

func TestLogger_CapturesStatus(t *testing.T) {
	var captured *responseWriter
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if captured.status != http.StatusTeapot {
		t.Errorf("captured status = %d, want %d", captured.status, http.StatusTeapot)
	}
}
