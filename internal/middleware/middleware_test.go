package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/utils"
)

const testSecret = "middleware-secret"

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestStackRecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Stack(zap.New(core))...)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one request log line, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("Expected error level for a 500, got %s", entries[0].Level)
	}
	if id, _ := entries[0].ContextMap()["request_id"].(string); id == "" {
		t.Error("request log should carry the request id")
	}
}

func TestRequestLoggerDefaultsToOK(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected one log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusOK) {
		t.Errorf("Expected status 200, got %v", fields["status"])
	}
	if fields["bytes"] != int64(2) {
		t.Errorf("Expected 2 bytes, got %v", fields["bytes"])
	}
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	access, refresh, err := utils.GenerateTokens(&models.Operator{ID: 3, Username: "ops", Role: models.RoleViewer}, testSecret)
	if err != nil {
		t.Fatalf("Failed to generate tokens: %v", err)
	}

	var seen string
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Claims(r.Context())["username"].(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+access, nil))
	if rec.Code != http.StatusOK || seen != "ops" {
		t.Fatalf("Expected query token to authenticate, got %d (user %q)", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Refresh tokens should be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("Authorization", "Token "+access)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Non-bearer schemes should be rejected, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	viewer, _, _ := utils.GenerateTokens(&models.Operator{ID: 4, Username: "viewer", Role: models.RoleViewer}, testSecret)
	admin, _, _ := utils.GenerateTokens(&models.Operator{ID: 1, Username: "admin", Role: models.RoleAdmin}, testSecret)
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), Auth(testSecret), RequireAdmin)

	cases := []struct {
		method string
		token  string
		want   int
	}{
		{http.MethodGet, viewer, http.StatusOK},
		{http.MethodPost, viewer, http.StatusForbidden},
		{http.MethodPost, admin, http.StatusOK},
		{http.MethodPut, admin, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/submissions", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.method, tc.want, rec.Code)
		}
	}
}
