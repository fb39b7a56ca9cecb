package etims

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xelth-com/etimsgo/internal/models"
)

// Request is a resolved remote call handed to a vendor for encoding
type Request struct {
	Operation string
	Method    string
	URL       string
	Token     string
	Payload   map[string]interface{}
}

// Response is a successful remote answer decoded by a vendor
type Response struct {
	Operation  string                 `json:"operation"`
	HTTPStatus int                    `json:"httpStatus"`
	ResultCode string                 `json:"resultCode,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Results    []interface{}          `json:"results,omitempty"`
	RemoteID   string                 `json:"remoteId,omitempty"`
	Next       string                 `json:"next,omitempty"`
	Raw        json.RawMessage        `json:"raw,omitempty"`
}

// VendorInterface defines one remote dialect: how requests are built and answers judged
type VendorInterface interface {
	// Code returns the code stored on settings and routes (e.g. "OSCU KRA")
	Code() string

	// UsesOAuth reports whether tokens come from the OAuth server
	UsesOAuth() bool

	// BaseURL returns the server URL the record talks to
	BaseURL(s *models.Settings) string

	// NewRequest encodes the call, attaching the token the way the vendor expects
	NewRequest(ctx context.Context, s *models.Settings, req *Request) (*http.Request, error)

	// ParseResponse judges an HTTP answer. It returns one of the error kinds on failure.
	ParseResponse(operation string, status int, body []byte) (*Response, error)

	// ReceiptURL returns the verification URL encoded in receipt QR codes, or ""
	ReceiptURL(s *models.Settings, resp *Response) string
}
