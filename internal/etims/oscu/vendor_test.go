package oscu

import (
	"context"
	"testing"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

func TestParseResponseResultCodes(t *testing.T) {
	v := New()

	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"success", 200, `{"resultCd":"000","resultMsg":"It is succeeded","resultDt":"20240101120000","data":{"rcptNo":1234567}}`, func(err error) bool { return err == nil }},
		{"no search result", 200, `{"resultCd":"001","resultMsg":"There is no search result","resultDt":"20240101120000","data":null}`, func(err error) bool { return err == nil }},
		{"invalid device", 200, `{"resultCd":"901","resultMsg":"It is not valid device","resultDt":"20240101120000"}`, etims.IsAuth},
		{"server error code", 200, `{"resultCd":"999","resultMsg":"unknown error","resultDt":"20240101120000"}`, etims.IsTransient},
		{"rejected payload", 200, `{"resultCd":"910","resultMsg":"Request parameter error","resultDt":"20240101120000"}`, etims.IsValidation},
		{"http 500", 500, `oops`, etims.IsTransient},
		{"http 400", 400, `{}`, etims.IsValidation},
		{"http 401", 401, `{}`, etims.IsAuth},
		{"malformed", 200, `<html>`, etims.IsTransient},
	}

	for _, tc := range cases {
		_, err := v.ParseResponse("TrnsSalesSaveWrReq", tc.status, []byte(tc.body))
		if !tc.check(err) {
			t.Errorf("%s: unexpected error classification: %v", tc.name, err)
		}
	}
}

func TestParseResponseRemoteID(t *testing.T) {
	resp, err := New().ParseResponse("TrnsSalesSaveWrReq", 200,
		[]byte(`{"resultCd":"000","resultMsg":"ok","resultDt":"20240101120000","data":{"rcptNo":1234567,"rcptSign":"ABCD"}}`))
	if err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RemoteID != "1234567" {
		t.Errorf("Expected receipt number as remote id, got %s", resp.RemoteID)
	}

	resp, err = New().ParseResponse("CodeSearchReq", 200,
		[]byte(`{"resultCd":"001","resultMsg":"none","resultDt":"20240101120000","data":null}`))
	if err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RemoteID != "20240101120000" {
		t.Errorf("Expected result date as fallback id, got %s", resp.RemoteID)
	}
	if resp.Data == nil {
		t.Error("Data should never be nil")
	}
}

func TestNewRequestHeaders(t *testing.T) {
	s := &models.Settings{TIN: "P051234567X", BranchID: "00", Env: models.EnvSandbox}

	req, err := New().NewRequest(context.Background(), s, &etims.Request{
		Operation: "CodeSearchReq",
		Method:    "GET",
		URL:       "https://oscu.example/selectCodeList",
		Token:     "cmc-key",
		Payload:   map[string]interface{}{"lastReqDt": "20180101000000"},
	})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if req.Method != "POST" {
		t.Errorf("Expected POST, got %s", req.Method)
	}
	if req.Header.Get("tin") != "P051234567X" || req.Header.Get("bhfId") != "00" || req.Header.Get("cmcKey") != "cmc-key" {
		t.Errorf("Unexpected headers: %v", req.Header)
	}
}

func TestReceiptURL(t *testing.T) {
	s := &models.Settings{TIN: "P051234567X", BranchID: "00", Env: models.EnvProduction}
	resp := &etims.Response{Data: map[string]interface{}{"rcptSign": "SIGN123"}}

	got := New().ReceiptURL(s, resp)
	want := "https://etims.kra.go.ke/common/link/etims/receipt/indexEtimsReceiptData?Data=P051234567X00SIGN123"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if New().ReceiptURL(s, &etims.Response{Data: map[string]interface{}{}}) != "" {
		t.Error("Expected empty URL without a signature")
	}
}
