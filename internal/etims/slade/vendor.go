// Package slade speaks the Slade 360 VSCU REST dialect: bearer tokens from the OAuth server,
// query parameters on GET, JSON bodies elsewhere, and DRF-style paginated listings.
package slade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

// Code is the vendor code stored on settings and routes
const Code = models.VendorSlade

// Vendor implements etims.VendorInterface for Slade 360
type Vendor struct{}

// New creates the Slade vendor
func New() *Vendor { return &Vendor{} }

func (v *Vendor) Code() string    { return Code }
func (v *Vendor) UsesOAuth() bool { return true }

func (v *Vendor) BaseURL(s *models.Settings) string {
	return strings.TrimRight(s.ServerURL(), "/")
}

func (v *Vendor) NewRequest(ctx context.Context, s *models.Settings, req *etims.Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL
	payload := copyPayload(req.Payload)

	var body []byte
	switch method {
	case http.MethodGet:
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid url %s: %w", target, err)
		}
		q := u.Query()
		for key, val := range payload {
			q.Set(key, fmt.Sprint(val))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	case http.MethodPatch, http.MethodPut:
		if id, ok := payload["id"]; ok && id != nil && fmt.Sprint(id) != "" {
			delete(payload, "id")
			target = strings.TrimRight(target, "/") + "/" + url.PathEscape(fmt.Sprint(id)) + "/"
		}
		fallthrough
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", req.Operation, err)
		}
		body = encoded
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if s.Workstation != "" {
		httpReq.Header.Set("X-Workstation", s.Workstation)
	}
	return httpReq, nil
}

func (v *Vendor) ParseResponse(operation string, status int, body []byte) (*etims.Response, error) {
	if status < 200 || status > 299 {
		return nil, etims.ClassifyStatus(operation, status, errorMessage(body), body)
	}

	resp := &etims.Response{
		Operation:  operation,
		HTTPStatus: status,
		Data:       map[string]interface{}{},
		Raw:        json.RawMessage(body),
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return resp, nil
	}

	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, &etims.TransientError{RemoteError: etims.RemoteError{
			Operation: operation, HTTPStatus: status, Message: "malformed response body", Body: body, Err: err,
		}}
	}

	switch doc := decoded.(type) {
	case map[string]interface{}:
		resp.Data = doc
		if results, ok := doc["results"].([]interface{}); ok {
			resp.Results = results
		}
		if next, ok := doc["next"].(string); ok {
			resp.Next = next
		}
		if id, ok := doc["id"]; ok && id != nil {
			resp.RemoteID = fmt.Sprint(id)
		}
	case []interface{}:
		resp.Results = doc
	}
	return resp, nil
}

// ReceiptURL returns the KRA link Slade attaches to signed invoices
func (v *Vendor) ReceiptURL(s *models.Settings, resp *etims.Response) string {
	if resp == nil {
		return ""
	}
	scu, ok := resp.Data["scu_data"].(map[string]interface{})
	if !ok {
		return ""
	}
	link, _ := scu["qr_code_url"].(string)
	return link
}

// errorMessage pulls the human readable reason out of a DRF error body
func errorMessage(body []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "error", "message", "error_description"} {
		if msg, ok := doc[key].(string); ok && msg != "" {
			return msg
		}
	}
	if len(doc) > 0 {
		compact, _ := json.Marshal(doc)
		return string(compact)
	}
	return ""
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
