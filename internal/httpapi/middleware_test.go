package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecoverPanicConvertsTo500(t *testing.T) {
	handler := recoverPanic(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCorsSetsHeadersAndHandlesPreflight(t *testing.T) {
	handler := cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for an OPTIONS preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin header to be set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := extractBearerToken(req); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestExtractBearerTokenMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := extractBearerToken(req); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestValidateDirectoryDetectsGit(t *testing.T) {
	dir := t.TempDir()
	isDir, hasGit := validateDirectory(dir)
	if !isDir || hasGit {
		t.Fatalf("expected isDir=true hasGit=false for a plain dir, got %v/%v", isDir, hasGit)
	}
}

func TestValidateDirectoryMissingPath(t *testing.T) {
	isDir, hasGit := validateDirectory("/definitely/does/not/exist")
	if isDir || hasGit {
		t.Fatalf("expected false/false for a missing path, got %v/%v", isDir, hasGit)
	}
}
