package routes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xelth-com/etimsgo/internal/database/databasetest"
	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	db := databasetest.New(t)
	svc := NewService(db.DB)
	ctx := context.Background()

	n, err := svc.SeedDefaults(ctx)
	if err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	if n != len(Defaults()) {
		t.Errorf("Expected %d routes, created %d", len(Defaults()), n)
	}

	again, err := svc.SeedDefaults(ctx)
	if err != nil {
		t.Fatalf("Failed to reseed: %v", err)
	}
	if again != 0 {
		t.Errorf("Reseeding should create nothing, created %d", again)
	}

	route, err := svc.Resolve(ctx, "TrnsSalesSaveWrReq", models.VendorOSCU)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if route.URLPath != "/saveTrnsSalesOsdc" {
		t.Errorf("Unexpected path %s", route.URLPath)
	}
}

func TestResolveMissingRouteIsValidationError(t *testing.T) {
	svc := NewService(databasetest.New(t).DB)

	_, err := svc.Resolve(context.Background(), "NoSuchOp", models.VendorSlade)
	if !etims.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrRouteNotFound) {
		t.Error("Expected ErrRouteNotFound in the chain")
	}
}

func TestImportYAMLUpserts(t *testing.T) {
	svc := NewService(databasetest.New(t).DB)
	ctx := context.Background()

	doc := `
routes:
  - operation: SalesInvoice
    vendor: VSCU Slade 360
    method: post
    path: /api/sales/invoices/
  - operation: ItemUpdate
    vendor: VSCU Slade 360
    method: PATCH
    path: /api/items/{id}/
`
	n, err := svc.ImportYAML(ctx, strings.NewReader(doc))
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 imported routes, got %d, %v", n, err)
	}

	updated := `
routes:
  - operation: SalesInvoice
    vendor: VSCU Slade 360
    method: POST
    path: /api/v2/sales/invoices/
`
	if _, err := svc.ImportYAML(ctx, strings.NewReader(updated)); err != nil {
		t.Fatalf("Failed to reimport: %v", err)
	}

	route, err := svc.Resolve(ctx, "SalesInvoice", models.VendorSlade)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if route.URLPath != "/api/v2/sales/invoices/" || route.Method != "POST" {
		t.Errorf("Route was not updated: %+v", route)
	}

	list, _ := svc.List(ctx, models.VendorSlade)
	if len(list) != 2 {
		t.Errorf("Expected 2 Slade routes, got %d", len(list))
	}
}

func TestUpsertRejectsBadRoutes(t *testing.T) {
	svc := NewService(databasetest.New(t).DB)
	if err := svc.Upsert(context.Background(), &models.Route{Operation: "X", Vendor: models.VendorSlade, URLPath: "no-slash"}); !etims.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if err := svc.Upsert(context.Background(), &models.Route{Operation: "X", Vendor: models.VendorSlade, URLPath: "/x", Method: "TRACE"}); !etims.IsValidation(err) {
		t.Errorf("Expected validation error for method, got %v", err)
	}
}

func TestTouchStampsRoute(t *testing.T) {
	db := databasetest.New(t)
	svc := NewService(db.DB)
	ctx := context.Background()
	svc.SeedDefaults(ctx)

	route, _ := svc.Resolve(ctx, "NoticeSearchReq", models.VendorOSCU)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := svc.Touch(ctx, route.ID, at); err != nil {
		t.Fatalf("Failed to touch: %v", err)
	}
	route, _ = svc.Resolve(ctx, "NoticeSearchReq", models.VendorOSCU)
	if route.LastRequestAt == nil || !route.LastRequestAt.Equal(at) {
		t.Errorf("Expected last request %v, got %v", at, route.LastRequestAt)
	}
}
