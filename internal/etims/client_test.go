package etims_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xelth-com/etimsgo/internal/database"
	"github.com/xelth-com/etimsgo/internal/database/databasetest"
	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/etims/oscu"
	"github.com/xelth-com/etimsgo/internal/etims/slade"
	"github.com/xelth-com/etimsgo/internal/models"
)

type fakeTokens struct {
	current   string
	refreshed int32
	marked    int32
}

func (f *fakeTokens) GetValidToken(ctx context.Context, id uint) (*etims.Token, error) {
	return &etims.Token{AccessToken: f.current}, nil
}

func (f *fakeTokens) Refresh(ctx context.Context, id uint, stale string) (*etims.Token, error) {
	atomic.AddInt32(&f.refreshed, 1)
	f.current = "fresh"
	return &etims.Token{AccessToken: f.current}, nil
}

func (f *fakeTokens) MarkAuthFailure(ctx context.Context, id uint, cause error) error {
	atomic.AddInt32(&f.marked, 1)
	return nil
}

type fakeRoutes struct {
	route   models.Route
	touched int32
}

func (f *fakeRoutes) Resolve(ctx context.Context, operation, vendor string) (*models.Route, error) {
	r := f.route
	r.Operation = operation
	r.Vendor = vendor
	return &r, nil
}

func (f *fakeRoutes) Touch(ctx context.Context, routeID uint, at time.Time) error {
	atomic.AddInt32(&f.touched, 1)
	return nil
}

func newClient(t *testing.T, serverURL, vendor string, tokens etims.TokenSource, routes etims.RouteResolver, failures uint32) (*etims.Client, *database.DB, uint) {
	t.Helper()
	db := databasetest.New(t)

	s := models.Settings{
		Env:              models.EnvSandbox,
		Company:          "Acme Ltd",
		BranchID:         "00",
		Vendor:           vendor,
		IsActive:         true,
		TIN:              "P051234567X",
		SandboxServerURL: serverURL,
	}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("Failed to create settings: %v", err)
	}

	registry := etims.NewRegistry(oscu.New(), slade.New())
	client := etims.NewClient(db.DB, registry, routes, tokens, etims.Options{BreakerFailures: failures, BreakerTimeout: time.Minute})
	return client, db, s.ID
}

func TestCallRefreshesOnceOnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"token expired"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"inv-7"}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{current: "stale"}
	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "POST", URLPath: "/api/invoices/"}}
	client, db, id := newClient(t, server.URL, models.VendorSlade, tokens, routes, 5)

	resp, err := client.Call(context.Background(), etims.CallRequest{SettingsID: id, Operation: "SalesInvoice", Payload: map[string]interface{}{"total": 100}})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.RemoteID != "inv-7" {
		t.Errorf("Expected remote id inv-7, got %s", resp.RemoteID)
	}
	if tokens.refreshed != 1 {
		t.Errorf("Expected exactly one refresh, got %d", tokens.refreshed)
	}
	if tokens.marked != 0 {
		t.Error("Auth failure should not be recorded after a successful retry")
	}
	if routes.touched != 1 {
		t.Error("Route should be stamped after success")
	}

	var audits int64
	db.Model(&models.IntegrationRequest{}).Count(&audits)
	if audits != 2 {
		t.Errorf("Expected both attempts audited, got %d", audits)
	}
}

func TestCallMarksAuthFailureWhenRetryAlsoRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{current: "stale"}
	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "POST", URLPath: "/api/invoices/"}}
	client, _, id := newClient(t, server.URL, models.VendorSlade, tokens, routes, 5)

	_, err := client.Call(context.Background(), etims.CallRequest{SettingsID: id, Operation: "SalesInvoice"})
	if !etims.IsAuth(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}
	if tokens.marked != 1 {
		t.Errorf("Expected auth failure to be recorded once, got %d", tokens.marked)
	}
}

func TestBreakerOpensAfterTransientFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "POST", URLPath: "/selectCodeList"}}
	client, _, id := newClient(t, server.URL, models.VendorOSCU, &fakeTokens{current: "cmc"}, routes, 2)

	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), etims.CallRequest{SettingsID: id, Operation: "CodeSearchReq"})
		if !etims.IsTransient(err) {
			t.Fatalf("call %d: expected transient error, got %v", i+1, err)
		}
	}
	if hits != 2 {
		t.Errorf("Expected the open breaker to short-circuit the third call, server saw %d", hits)
	}
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"resultCd":"910","resultMsg":"Request parameter error","resultDt":"20240101120000"}`))
	}))
	defer server.Close()

	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "POST", URLPath: "/saveItem"}}
	client, _, id := newClient(t, server.URL, models.VendorOSCU, &fakeTokens{current: "cmc"}, routes, 2)

	for i := 0; i < 4; i++ {
		if _, err := client.Call(context.Background(), etims.CallRequest{SettingsID: id, Operation: "ItemSaveReq"}); !etims.IsValidation(err) {
			t.Fatalf("Expected validation error, got %v", err)
		}
	}
	if hits != 4 {
		t.Errorf("Expected every call to reach the server, got %d", hits)
	}
}

func TestFetchFollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"next":null,"results":[{"id":3}]}`))
			return
		}
		w.Write([]byte(`{"next":"` + server.URL + `/api/items/?page=2","results":[{"id":1},{"id":2}]}`))
	}))
	defer server.Close()

	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "GET", URLPath: "/api/items/"}}
	client, _, id := newClient(t, server.URL, models.VendorSlade, &fakeTokens{current: "tok"}, routes, 5)

	resp, err := client.Fetch(context.Background(), etims.CallRequest{SettingsID: id, Operation: "ItemSearch"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Errorf("Expected 3 results across pages, got %d", len(resp.Results))
	}
}

func TestCallUnknownSettings(t *testing.T) {
	client, _, _ := newClient(t, "http://unused", models.VendorOSCU, &fakeTokens{}, &fakeRoutes{}, 5)
	if _, err := client.Call(context.Background(), etims.CallRequest{SettingsID: 999, Operation: "CodeSearchReq"}); err == nil {
		t.Error("Expected error for unknown settings")
	}
}

func TestFetchRefusesForeignNextLinks(t *testing.T) {
	var foreignHits int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&foreignHits, 1)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer foreign.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next":"` + foreign.URL + `/steal/?page=2","results":[{"id":1}]}`))
	}))
	defer server.Close()

	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "GET", URLPath: "/api/items/"}}
	client, _, id := newClient(t, server.URL, models.VendorSlade, &fakeTokens{current: "tok"}, routes, 5)

	_, err := client.Fetch(context.Background(), etims.CallRequest{SettingsID: id, Operation: "ItemSearch"})
	if !etims.IsValidation(err) {
		t.Fatalf("Expected validation error for a next link on another host, got %v", err)
	}
	if atomic.LoadInt32(&foreignHits) != 0 {
		t.Error("The bearer token must not be sent to another host")
	}
}

func TestFetchResolvesRelativeNextLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"next":null,"results":[{"id":2}]}`))
			return
		}
		w.Write([]byte(`{"next":"/api/items/?page=2","results":[{"id":1}]}`))
	}))
	defer server.Close()

	routes := &fakeRoutes{route: models.Route{ID: 1, Method: "GET", URLPath: "/api/items/"}}
	client, _, id := newClient(t, server.URL, models.VendorSlade, &fakeTokens{current: "tok"}, routes, 5)

	resp, err := client.Fetch(context.Background(), etims.CallRequest{SettingsID: id, Operation: "ItemSearch"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("Expected 2 results across pages, got %d", len(resp.Results))
	}
}
