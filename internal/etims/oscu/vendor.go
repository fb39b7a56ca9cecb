// Package oscu speaks the KRA online sales control unit dialect: every call is a JSON POST
// authenticated by the tin/bhfId/cmcKey headers and answered with a resultCd envelope.
package oscu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

// Code is the vendor code stored on settings and routes
const Code = models.VendorOSCU

// ResultDateLayout is the format of resultDt, lastReqDt and friends
const ResultDateLayout = "20060102150405"

// Result codes with a meaning beyond "rejected"
const (
	ResultSuccess        = "000"
	ResultNoSearchResult = "001"
	ResultServerError    = "999"
)

// Codes that mean the device key or taxpayer credentials are no longer accepted
var authResultCodes = map[string]bool{
	"900": true, // no header information
	"901": true, // not a valid device
	"903": true, // only VSCU devices may call this
}

const (
	sandboxReceiptHost    = "https://etims-sbx.kra.go.ke"
	productionReceiptHost = "https://etims.kra.go.ke"
	receiptPath           = "/common/link/etims/receipt/indexEtimsReceiptData"
)

type envelope struct {
	ResultCd  string                 `json:"resultCd"`
	ResultMsg string                 `json:"resultMsg"`
	ResultDt  string                 `json:"resultDt"`
	Data      map[string]interface{} `json:"data"`
}

// Vendor implements etims.VendorInterface for OSCU
type Vendor struct{}

// New creates the OSCU vendor
func New() *Vendor { return &Vendor{} }

func (v *Vendor) Code() string    { return Code }
func (v *Vendor) UsesOAuth() bool { return false }

func (v *Vendor) BaseURL(s *models.Settings) string {
	return strings.TrimRight(s.ServerURL(), "/")
}

// NewRequest sends the payload as a JSON body. OSCU ignores the method on the route; it is POST throughout.
func (v *Vendor) NewRequest(ctx context.Context, s *models.Settings, req *etims.Request) (*http.Request, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", req.Operation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("tin", s.TIN)
	httpReq.Header.Set("bhfId", s.BranchID)
	// DeviceVerificationReq is the one call made before a key exists
	if req.Token != "" {
		httpReq.Header.Set("cmcKey", req.Token)
	}
	return httpReq, nil
}

func (v *Vendor) ParseResponse(operation string, status int, body []byte) (*etims.Response, error) {
	if status < 200 || status > 299 {
		return nil, etims.ClassifyStatus(operation, status, "", body)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &etims.TransientError{RemoteError: etims.RemoteError{
			Operation: operation, HTTPStatus: status, Message: "malformed response body", Body: body, Err: err,
		}}
	}

	re := etims.RemoteError{
		Operation:  operation,
		HTTPStatus: status,
		ResultCode: env.ResultCd,
		Message:    env.ResultMsg,
		Body:       body,
	}
	switch {
	case env.ResultCd == ResultSuccess || env.ResultCd == ResultNoSearchResult:
	case authResultCodes[env.ResultCd]:
		return nil, &etims.AuthError{RemoteError: re}
	case env.ResultCd == ResultServerError:
		return nil, &etims.TransientError{RemoteError: re}
	default:
		return nil, &etims.ValidationError{RemoteError: re}
	}

	resp := &etims.Response{
		Operation:  operation,
		HTTPStatus: status,
		ResultCode: env.ResultCd,
		Message:    env.ResultMsg,
		Data:       env.Data,
		Raw:        json.RawMessage(body),
	}
	if resp.Data == nil {
		resp.Data = map[string]interface{}{}
	}
	resp.RemoteID = remoteID(env)
	return resp, nil
}

func remoteID(env envelope) string {
	for _, key := range []string{"rcptNo", "curRcptNo", "invcNo", "sdcId"} {
		if val, ok := env.Data[key]; ok && val != nil {
			if s := fmt.Sprint(val); s != "" {
				return s
			}
		}
	}
	return env.ResultDt
}

// ReceiptURL builds the KRA verification link from the receipt signature
func (v *Vendor) ReceiptURL(s *models.Settings, resp *etims.Response) string {
	if resp == nil {
		return ""
	}
	sign, _ := resp.Data["rcptSign"].(string)
	if sign == "" {
		return ""
	}
	host := sandboxReceiptHost
	if s.Env == models.EnvProduction {
		host = productionReceiptHost
	}
	return host + receiptPath + "?Data=" + url.QueryEscape(s.TIN+s.BranchID+sign)
}
