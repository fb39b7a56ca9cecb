package etims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/models"
)

const (
	maxResponseBytes = 4 << 20
	maxPages         = 100
)

// ErrSettingsNotFound is returned when a call names an unknown settings record
var ErrSettingsNotFound = errors.New("settings not found")

// Token is the credential attached to remote calls
type Token struct {
	AccessToken string     `json:"accessToken"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// TokenSource hands out valid tokens and is told when the remote side rejects them
type TokenSource interface {
	GetValidToken(ctx context.Context, settingsID uint) (*Token, error)
	// Refresh replaces the token unless another caller already replaced stale
	Refresh(ctx context.Context, settingsID uint, stale string) (*Token, error)
	MarkAuthFailure(ctx context.Context, settingsID uint, cause error) error
}

// RouteResolver looks up the remote path for an operation
type RouteResolver interface {
	Resolve(ctx context.Context, operation, vendor string) (*models.Route, error)
	Touch(ctx context.Context, routeID uint, at time.Time) error
}

// CallRequest describes one logical remote operation
type CallRequest struct {
	SettingsID   uint
	SubmissionID *uint
	Operation    string
	Payload      map[string]interface{}
	// URL replaces the route-derived address, e.g. a pagination "next" link
	URL string
	// Unauthenticated skips the token, used before a device has a key
	Unauthenticated bool
}

// Options tunes a Client
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
	// BreakerFailures is the consecutive transient failures that open a settings' breaker
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client performs remote calls for any registered vendor and audits each one
type Client struct {
	db       *gorm.DB
	registry *Registry
	routes   RouteResolver
	tokens   TokenSource
	http     *http.Client
	log      *zap.Logger
	now      func() time.Time

	breakerFailures uint32
	breakerTimeout  time.Duration
	mu              sync.Mutex
	breakers        map[uint]*gobreaker.CircuitBreaker
}

// NewClient creates a remote client
func NewClient(db *gorm.DB, registry *Registry, routes RouteResolver, tokens TokenSource, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout == 0 {
		breakerTimeout = 30 * time.Second
	}

	return &Client{
		db:              db,
		registry:        registry,
		routes:          routes,
		tokens:          tokens,
		http:            httpClient,
		log:             log,
		now:             now,
		breakerFailures: failures,
		breakerTimeout:  breakerTimeout,
		breakers:        make(map[uint]*gobreaker.CircuitBreaker),
	}
}

// Registry exposes the vendor registry
func (c *Client) Registry() *Registry {
	return c.registry
}

// LoadSettings fetches the settings record a call runs under
func (c *Client) LoadSettings(ctx context.Context, settingsID uint) (*models.Settings, error) {
	var s models.Settings
	if err := c.db.WithContext(ctx).First(&s, settingsID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSettingsNotFound, settingsID)
		}
		return nil, fmt.Errorf("failed to load settings %d: %w", settingsID, err)
	}
	return &s, nil
}

// Call resolves, authenticates and performs one remote operation.
// A rejected token is refreshed once and the call retried, as the vendors expect.
func (c *Client) Call(ctx context.Context, req CallRequest) (*Response, error) {
	s, err := c.LoadSettings(ctx, req.SettingsID)
	if err != nil {
		return nil, err
	}
	vendor, err := c.registry.Get(s.Vendor)
	if err != nil {
		return nil, NewValidationError(req.Operation, err.Error())
	}

	route, err := c.routes.Resolve(ctx, req.Operation, vendor.Code())
	if err != nil {
		return nil, err
	}
	method := route.Method
	if method == "" {
		method = http.MethodPost
	}

	target := req.URL
	payload := req.Payload
	if target == "" {
		path, rest, err := ExpandPath(req.Operation, route.URLPath, req.Payload)
		if err != nil {
			return nil, err
		}
		target = vendor.BaseURL(s) + path
		payload = rest
	}

	var token string
	if !req.Unauthenticated {
		tok, err := c.tokens.GetValidToken(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		token = tok.AccessToken
	}

	remote := &Request{Operation: req.Operation, Method: method, URL: target, Token: token, Payload: payload}
	resp, err := c.execute(ctx, s, vendor, remote, req.SubmissionID)

	if IsAuth(err) && !req.Unauthenticated {
		if vendor.UsesOAuth() {
			c.log.Info("remote rejected token, refreshing once",
				zap.Uint("settings_id", s.ID), zap.String("operation", req.Operation))
			tok, rerr := c.tokens.Refresh(ctx, s.ID, token)
			if rerr != nil {
				err = rerr
			} else {
				remote.Token = tok.AccessToken
				resp, err = c.execute(ctx, s, vendor, remote, req.SubmissionID)
			}
		}
		if IsAuth(err) {
			if merr := c.tokens.MarkAuthFailure(ctx, s.ID, err); merr != nil {
				c.log.Error("failed to record auth failure", zap.Uint("settings_id", s.ID), zap.Error(merr))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if terr := c.routes.Touch(ctx, route.ID, c.now()); terr != nil {
		c.log.Warn("failed to stamp route", zap.String("operation", req.Operation), zap.Error(terr))
	}
	return resp, nil
}

// Fetch is Call for listings: it follows "next" links and gathers every page's results.
// Links pointing away from the record's server are refused so the token stays there.
func (c *Client) Fetch(ctx context.Context, req CallRequest) (*Response, error) {
	first, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	var base *url.URL
	if first.Next != "" {
		s, err := c.LoadSettings(ctx, req.SettingsID)
		if err != nil {
			return nil, err
		}
		vendor, err := c.registry.Get(s.Vendor)
		if err != nil {
			return nil, NewValidationError(req.Operation, err.Error())
		}
		if base, err = url.Parse(vendor.BaseURL(s)); err != nil {
			return nil, NewValidationError(req.Operation, fmt.Sprintf("invalid server url: %v", err))
		}
	}

	combined := *first
	combined.Results = append([]interface{}(nil), first.Results...)
	next := first.Next
	for page := 1; next != "" && page < maxPages; page++ {
		target, err := sameOrigin(req.Operation, base, next)
		if err != nil {
			return nil, err
		}
		pageReq := req
		pageReq.URL = target
		pageReq.Payload = nil
		resp, err := c.Call(ctx, pageReq)
		if err != nil {
			return nil, err
		}
		combined.Results = append(combined.Results, resp.Results...)
		next = resp.Next
	}
	combined.Next = ""
	return &combined, nil
}

// sameOrigin resolves a pagination link against base and rejects other hosts
func sameOrigin(operation string, base *url.URL, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", NewValidationError(operation, fmt.Sprintf("invalid next link %q", link))
	}
	u = base.ResolveReference(u)
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return "", NewValidationError(operation, fmt.Sprintf("next link %s leaves %s", u.Redacted(), base.Host))
	}
	return u.String(), nil
}

// ReceiptURL asks the record's vendor for the receipt verification link
func (c *Client) ReceiptURL(s *models.Settings, resp *Response) string {
	vendor, err := c.registry.Get(s.Vendor)
	if err != nil {
		return ""
	}
	return vendor.ReceiptURL(s, resp)
}

func (c *Client) execute(ctx context.Context, s *models.Settings, vendor VendorInterface, req *Request, submissionID *uint) (*Response, error) {
	start := time.Now()
	var status int
	var body []byte

	httpReq, err := vendor.NewRequest(ctx, s, req)
	if err != nil {
		verr := NewValidationError(req.Operation, err.Error())
		c.audit(ctx, s.ID, submissionID, req, status, body, verr, time.Since(start))
		return nil, verr
	}

	result, err := c.breaker(s.ID).Execute(func() (interface{}, error) {
		res, err := c.http.Do(httpReq)
		if err != nil {
			return nil, ClassifyTransport(req.Operation, err)
		}
		defer res.Body.Close()

		b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			return nil, ClassifyTransport(req.Operation, err)
		}
		status, body = res.StatusCode, b
		return vendor.ParseResponse(req.Operation, res.StatusCode, b)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = NewTransientError(req.Operation, err)
	}

	c.audit(ctx, s.ID, submissionID, req, status, body, err, time.Since(start))
	if err != nil {
		c.log.Warn("remote call failed",
			zap.Uint("settings_id", s.ID),
			zap.String("operation", req.Operation),
			zap.Int("http_status", status),
			zap.String("kind", Kind(err)),
			zap.Error(err))
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) breaker(settingsID uint) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[settingsID]; ok {
		return cb
	}
	failures := c.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("etims-settings-%d", settingsID),
		Timeout: c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only outages trip the breaker; rejected payloads are the caller's problem
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[settingsID] = cb
	return cb
}

func (c *Client) audit(ctx context.Context, settingsID uint, submissionID *uint, req *Request, status int, body []byte, callErr error, elapsed time.Duration) {
	entry := models.IntegrationRequest{
		RequestID:    uuid.NewString(),
		SettingsID:   settingsID,
		SubmissionID: submissionID,
		Operation:    req.Operation,
		Method:       req.Method,
		URL:          req.URL,
		Payload:      jsonDocument(req.Payload),
		Response:     rawDocument(body),
		HTTPStatus:   status,
		Status:       models.IntegrationStatusCompleted,
		DurationMs:   elapsed.Milliseconds(),
	}
	if callErr != nil {
		entry.Status = models.IntegrationStatusFailed
		entry.ErrorKind = Kind(callErr)
		entry.Error = callErr.Error()
	}

	if err := c.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		c.log.Error("failed to write integration request", zap.String("operation", req.Operation), zap.Error(err))
	}
}

func jsonDocument(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// rawDocument stores a body as-is when it is JSON, otherwise as a JSON string
func rawDocument(body []byte) datatypes.JSON {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	return jsonDocument(string(body))
}
