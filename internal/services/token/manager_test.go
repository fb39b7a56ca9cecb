package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xelth-com/etimsgo/internal/database"
	"github.com/xelth-com/etimsgo/internal/database/databasetest"
	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type authServer struct {
	*httptest.Server
	hits   int32
	grants []string
	mu     sync.Mutex
}

// newAuthServer answers token requests; reject lists grant types answered with 400
func newAuthServer(t *testing.T, delay time.Duration, reject ...string) *authServer {
	a := &authServer{}
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&a.hits, 1)
		if r.URL.Path != "/oauth2/token/" {
			t.Errorf("Unexpected token path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("Failed to parse form: %v", err)
		}
		grant := r.PostForm.Get("grant_type")
		a.mu.Lock()
		a.grants = append(a.grants, grant)
		a.mu.Unlock()

		time.Sleep(delay)
		for _, g := range reject {
			if g == grant {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600,"token_type":"Bearer","scope":"read write"}`))
	}))
	t.Cleanup(a.Close)
	return a
}

func seedSettings(t *testing.T, db *database.DB, s models.Settings) *models.Settings {
	t.Helper()
	if s.Env == "" {
		s.Env = models.EnvSandbox
	}
	if s.Company == "" {
		s.Company = "Acme Ltd"
	}
	if s.BranchID == "" {
		s.BranchID = "00"
	}
	if s.Vendor == "" {
		s.Vendor = models.VendorSlade
	}
	s.IsActive = true
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("Failed to seed settings: %v", err)
	}
	return &s
}

func newManager(db *database.DB) *Manager {
	return NewManager(db.DB, Options{
		SafetyMargin: 5 * time.Minute,
		Now:          func() time.Time { return fixedNow },
	})
}

func expiresIn(d time.Duration) *time.Time {
	t := fixedNow.Add(d)
	return &t
}

func TestNeedsRefresh(t *testing.T) {
	margin := 5 * time.Minute
	cases := []struct {
		name   string
		expiry *time.Time
		want   bool
	}{
		{"no expiry", nil, true},
		{"already expired", expiresIn(-time.Minute), true},
		{"exactly at margin", expiresIn(margin), true},
		{"inside margin", expiresIn(4 * time.Minute), true},
		{"just past margin", expiresIn(margin + time.Second), false},
		{"far future", expiresIn(time.Hour), false},
	}
	for _, tc := range cases {
		if got := NeedsRefresh(tc.expiry, fixedNow, margin); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestGetValidTokenKeepsTokenOutsideMargin(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0)
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		AccessToken:   "current",
		TokenExpiry:   expiresIn(10 * time.Minute),
	})

	tok, err := newManager(db).GetValidToken(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "current" {
		t.Errorf("Expected stored token, got %s", tok.AccessToken)
	}
	if srv.hits != 0 {
		t.Errorf("Expected no refresh, server saw %d requests", srv.hits)
	}
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0)
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		ClientID:      "client",
		ClientSecret:  "secret",
		Username:      "user",
		Password:      "pw",
		AccessToken:   "old",
		RefreshToken:  "refresh-1",
		TokenExpiry:   expiresIn(4 * time.Minute),
	})

	tok, err := newManager(db).GetValidToken(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("Expected refreshed token, got %s", tok.AccessToken)
	}
	if srv.hits != 1 || srv.grants[0] != "refresh_token" {
		t.Errorf("Expected one refresh grant, got %v", srv.grants)
	}

	var stored models.Settings
	db.First(&stored, s.ID)
	if stored.AccessToken != "new-access" {
		t.Errorf("Token was not persisted, got %s", stored.AccessToken)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("Existing refresh token should be kept when none is returned, got %s", stored.RefreshToken)
	}
	if stored.TokenExpiry == nil || !stored.TokenExpiry.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("Expected expiry now+1h, got %v", stored.TokenExpiry)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 50*time.Millisecond)
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		Username:      "user",
		Password:      "pw",
	})
	m := newManager(db)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), s.ID)
			if err != nil {
				errs <- err
				return
			}
			if tok.AccessToken != "new-access" {
				t.Errorf("Expected shared token, got %s", tok.AccessToken)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("GetValidToken failed: %v", err)
	}

	if srv.hits != 1 {
		t.Errorf("Expected exactly one token request, got %d", srv.hits)
	}
}

func TestRefreshGrantFallsBackToPassword(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0, "refresh_token")
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		Username:      "user",
		Password:      "pw",
		RefreshToken:  "revoked",
	})

	tok, err := newManager(db).GetValidToken(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("Expected token from password grant, got %s", tok.AccessToken)
	}
	if len(srv.grants) != 2 || srv.grants[1] != "password" {
		t.Errorf("Expected refresh then password grant, got %v", srv.grants)
	}
}

func TestRejectedCredentialsBlockSettings(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0, "password")
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		Username:      "user",
		Password:      "wrong",
	})
	m := newManager(db)

	_, err := m.GetValidToken(context.Background(), s.ID)
	if !etims.IsAuth(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}

	var stored models.Settings
	db.First(&stored, s.ID)
	if !stored.AuthBlocked() || stored.LastAuthError == "" {
		t.Error("Settings should be flagged after rejected credentials")
	}

	_, err = m.GetValidToken(context.Background(), s.ID)
	if !etims.IsAuth(err) {
		t.Errorf("Expected auth error while blocked, got %v", err)
	}
	if srv.hits != 1 {
		t.Errorf("Blocked settings must not call the auth server again, saw %d requests", srv.hits)
	}
}

func TestForceRefreshClearsBlock(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0)
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		Username:      "user",
		Password:      "fixed",
		AccessToken:   "still-valid",
		TokenExpiry:   expiresIn(time.Hour),
		LastAuthError: "invalid_grant",
		AuthFailedAt:  expiresIn(-time.Hour),
	})

	tok, err := newManager(db).Force(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Force failed: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("Expected new token, got %s", tok.AccessToken)
	}

	var stored models.Settings
	db.First(&stored, s.ID)
	if stored.AuthBlocked() || stored.LastAuthError != "" {
		t.Error("Successful refresh should clear the auth flag")
	}
}

func TestRefreshSkipsWhenAnotherCallerReplacedToken(t *testing.T) {
	db := databasetest.New(t)
	srv := newAuthServer(t, 0)
	s := seedSettings(t, db, models.Settings{
		AuthServerURL: srv.URL,
		AccessToken:   "replaced",
		TokenExpiry:   expiresIn(time.Hour),
	})
	m := newManager(db)

	tok, err := m.Refresh(context.Background(), s.ID, "rejected")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if tok.AccessToken != "replaced" || srv.hits != 0 {
		t.Errorf("Expected the already replaced token without a request, got %s after %d requests", tok.AccessToken, srv.hits)
	}

	tok, err = m.Refresh(context.Background(), s.ID, "replaced")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if tok.AccessToken != "new-access" || srv.hits != 1 {
		t.Errorf("Expected a new token for the rejected one, got %s", tok.AccessToken)
	}
}

func TestOSCUUsesCommunicationKey(t *testing.T) {
	db := databasetest.New(t)
	s := seedSettings(t, db, models.Settings{Vendor: models.VendorOSCU, CommunicationKey: "cmc-123"})
	m := newManager(db)

	tok, err := m.GetValidToken(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "cmc-123" {
		t.Errorf("Expected communication key, got %s", tok.AccessToken)
	}

	bare := seedSettings(t, db, models.Settings{Vendor: models.VendorOSCU, Company: "Other Ltd"})
	if _, err := m.GetValidToken(context.Background(), bare.ID); !etims.IsAuth(err) {
		t.Errorf("Expected auth error for uninitialized device, got %v", err)
	}
}
