package slade

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

var settings = &models.Settings{Workstation: "ws-01"}

func TestGetSendsQueryParameters(t *testing.T) {
	req, err := New().NewRequest(context.Background(), settings, &etims.Request{
		Operation: "ItemSearch",
		Method:    "GET",
		URL:       "https://slade.example/api/items/",
		Token:     "tok",
		Payload:   map[string]interface{}{"organisation": "org-1", "page_size": 50},
	})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if req.Body != nil {
		t.Error("GET requests should not carry a body")
	}
	q := req.URL.Query()
	if q.Get("organisation") != "org-1" || q.Get("page_size") != "50" {
		t.Errorf("Unexpected query %s", req.URL.RawQuery)
	}
	if req.Header.Get("Authorization") != "Bearer tok" || req.Header.Get("X-Workstation") != "ws-01" {
		t.Errorf("Unexpected headers %v", req.Header)
	}
}

func TestPatchMovesIDIntoPath(t *testing.T) {
	req, err := New().NewRequest(context.Background(), settings, &etims.Request{
		Operation: "ItemUpdate",
		Method:    "PATCH",
		URL:       "https://slade.example/api/items",
		Payload:   map[string]interface{}{"id": "it-9", "name": "Widget"},
	})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if req.URL.String() != "https://slade.example/api/items/it-9/" {
		t.Errorf("Unexpected URL %s", req.URL)
	}

	raw, _ := io.ReadAll(req.Body)
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if _, ok := body["id"]; ok {
		t.Error("id should not be sent in the body")
	}
	if body["name"] != "Widget" {
		t.Errorf("Unexpected body %s", raw)
	}
}

func TestParseResponse(t *testing.T) {
	v := New()

	resp, err := v.ParseResponse("SalesInvoice", 201, []byte(`{"id":"inv-1","scu_data":{"qr_code_url":"https://etims.kra.go.ke/x"}}`))
	if err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RemoteID != "inv-1" {
		t.Errorf("Expected remote id inv-1, got %s", resp.RemoteID)
	}
	if v.ReceiptURL(settings, resp) != "https://etims.kra.go.ke/x" {
		t.Error("Expected QR link from scu_data")
	}

	resp, err = v.ParseResponse("ItemSearch", 200, []byte(`{"count":3,"next":"https://slade.example/api/items/?page=2","results":[{"id":1},{"id":2}]}`))
	if err != nil {
		t.Fatalf("Failed to parse listing: %v", err)
	}
	if len(resp.Results) != 2 || resp.Next == "" {
		t.Errorf("Unexpected listing %+v", resp)
	}

	resp, err = v.ParseResponse("TrnsSalesSaveWrReq", 202, []byte(`{"id":"inv-1"}`))
	if err != nil {
		t.Fatalf("202 Accepted should be a success, got %v", err)
	}
	if resp.RemoteID != "inv-1" || resp.HTTPStatus != 202 {
		t.Errorf("Unexpected accepted response %+v", resp)
	}

	_, err = v.ParseResponse("SalesInvoice", 400, []byte(`{"detail":"customer is required"}`))
	if !etims.IsValidation(err) || etims.Remote(err).Message != "customer is required" {
		t.Errorf("Expected validation error with detail, got %v", err)
	}

	if _, err = v.ParseResponse("SalesInvoice", 401, []byte(`{}`)); !etims.IsAuth(err) {
		t.Errorf("Expected auth error, got %v", err)
	}
	if _, err = v.ParseResponse("SalesInvoice", 502, nil); !etims.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}
