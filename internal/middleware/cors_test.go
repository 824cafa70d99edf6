package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(method, "/api/status", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	CORS(origins)(next).ServeHTTP(w, req)
	return w
}

func TestCORS_Wildcard(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodGet, "http://example.com")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Errorf("Expected origin echoed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials for wildcard, got %q", got)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected request passed through, got %d", w.Code)
	}
}

func TestCORS_ExplicitOrigin(t *testing.T) {
	w := serveCORS([]string{"http://localhost:3000/"}, http.MethodGet, "http://localhost:3000")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected origin allowed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials allowed, got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	w := serveCORS([]string{"http://localhost:3000"}, http.MethodGet, "http://evil.test")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow header, got %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodOptions, "http://example.com")

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", w.Code)
	}
}

func TestCORS_NoOriginPassesThrough(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodOptions, "")

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected request passed through, got %d", w.Code)
	}
	if got := w.Header().Get("Vary"); got != "" {
		t.Errorf("Expected no Vary header, got %q", got)
	}
}
