package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/locks"
	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/utils"
)

const (
	tokenPath           = "/oauth2/token/"
	operation           = "TokenRefresh"
	defaultExpiresIn    = time.Hour
	maxTokenBodyBytes   = 1 << 20
	defaultLockTTL      = 30 * time.Second
	defaultSafetyMargin = 5 * time.Minute
)

// NeedsRefresh reports whether a token expiring at expiry must be replaced at now
func NeedsRefresh(expiry *time.Time, now time.Time, margin time.Duration) bool {
	if expiry == nil {
		return true
	}
	return !expiry.After(now.Add(margin))
}

// Options tunes a Manager
type Options struct {
	HTTPClient   *http.Client
	SafetyMargin time.Duration
	LockTTL      time.Duration
	Locker       locks.Locker
	Sealer       *utils.Sealer
	Logger       *zap.Logger
	Now          func() time.Time
}

// Manager keeps the tokens stored on settings records valid
type Manager struct {
	db      *gorm.DB
	http    *http.Client
	locker  locks.Locker
	sealer  *utils.Sealer
	group   singleflight.Group
	margin  time.Duration
	lockTTL time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// oauthResponse is the body of a successful token request
type oauthResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	TokenType    string      `json:"token_type"`
	Scope        string      `json:"scope"`
}

// NewManager creates a token manager
func NewManager(db *gorm.DB, opts Options) *Manager {
	m := &Manager{
		db:      db,
		http:    opts.HTTPClient,
		locker:  opts.Locker,
		sealer:  opts.Sealer,
		margin:  opts.SafetyMargin,
		lockTTL: opts.LockTTL,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if m.http == nil {
		m.http = &http.Client{Timeout: 15 * time.Second}
	}
	if m.locker == nil {
		m.locker = locks.NewLocalLocker()
	}
	if m.margin < 0 {
		m.margin = defaultSafetyMargin
	}
	if m.lockTTL <= 0 {
		m.lockTTL = defaultLockTTL
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// GetValidToken returns a token that stays valid past the safety margin, refreshing if needed.
// OSCU records answer with their communication key.
func (m *Manager) GetValidToken(ctx context.Context, settingsID uint) (*etims.Token, error) {
	s, err := m.load(ctx, m.db, settingsID)
	if err != nil {
		return nil, err
	}

	if s.Vendor == models.VendorOSCU {
		if !s.HasCommunicationKey() {
			return nil, etims.NewAuthError(operation, "device not initialized, no communication key", nil)
		}
		return &etims.Token{AccessToken: s.CommunicationKey}, nil
	}
	if s.AuthBlocked() {
		return nil, blockedError(s)
	}
	if !NeedsRefresh(s.TokenExpiry, m.now(), m.margin) {
		return &etims.Token{AccessToken: s.AccessToken, ExpiresAt: s.TokenExpiry}, nil
	}

	return m.refresh(ctx, settingsID, false, func(cur *models.Settings) bool {
		return !NeedsRefresh(cur.TokenExpiry, m.now(), m.margin)
	})
}

// Refresh replaces a token the remote side rejected. If the stored token no longer
// matches stale another caller already replaced it and that token is returned.
func (m *Manager) Refresh(ctx context.Context, settingsID uint, stale string) (*etims.Token, error) {
	return m.refresh(ctx, settingsID, false, func(cur *models.Settings) bool {
		return cur.AccessToken != "" && cur.AccessToken != stale && !NeedsRefresh(cur.TokenExpiry, m.now(), m.margin)
	})
}

// Force requests a new token regardless of expiry and any recorded auth failure
func (m *Manager) Force(ctx context.Context, settingsID uint) (*etims.Token, error) {
	return m.refresh(ctx, settingsID, true, func(*models.Settings) bool { return false })
}

// MarkAuthFailure flags the record so nothing calls out with it until an operator acts
func (m *Manager) MarkAuthFailure(ctx context.Context, settingsID uint, cause error) error {
	msg := "authentication rejected"
	if cause != nil {
		msg = cause.Error()
	}
	now := m.now()
	err := m.db.WithContext(ctx).Model(&models.Settings{}).
		Where("id = ?", settingsID).
		Updates(map[string]interface{}{
			"last_auth_error": msg,
			"auth_failed_at":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to flag settings %d: %w", settingsID, err)
	}
	m.log.Warn("settings blocked on auth failure", zap.Uint("settings_id", settingsID), zap.String("error", msg))
	return nil
}

func (m *Manager) refresh(ctx context.Context, settingsID uint, force bool, fresh func(*models.Settings) bool) (*etims.Token, error) {
	key := fmt.Sprintf("token:%d", settingsID)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.lockTTL)
		defer cancel()

		unlock, err := m.locker.Lock(fctx, key, m.lockTTL)
		if err != nil {
			return nil, etims.NewTransientError(operation, fmt.Errorf("token lock: %w", err))
		}
		defer unlock()

		s, err := m.load(fctx, m.db, settingsID)
		if err != nil {
			return nil, err
		}
		if s.Vendor == models.VendorOSCU {
			return nil, etims.NewValidationError(operation, "OSCU devices use a communication key, there is no token to refresh")
		}
		if s.AuthBlocked() && !force {
			return nil, blockedError(s)
		}
		if fresh(s) {
			return &etims.Token{AccessToken: s.AccessToken, ExpiresAt: s.TokenExpiry}, nil
		}

		tok, err := m.requestToken(fctx, s)
		if err != nil {
			if etims.IsAuth(err) {
				if merr := m.MarkAuthFailure(fctx, settingsID, err); merr != nil {
					m.log.Error("failed to record auth failure", zap.Error(merr))
				}
			}
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*etims.Token), nil
}

// requestToken tries the refresh grant and falls back to the password grant
func (m *Manager) requestToken(ctx context.Context, s *models.Settings) (*etims.Token, error) {
	if s.AuthServerURL == "" {
		return nil, etims.NewAuthError(operation, "no auth server configured", nil)
	}
	clientSecret, err := m.sealer.Open(s.ClientSecret)
	if err != nil {
		return nil, etims.NewAuthError(operation, "cannot open client secret", err)
	}

	base := url.Values{}
	base.Set("client_id", s.ClientID)
	base.Set("client_secret", clientSecret)

	var resp *oauthResponse
	if s.RefreshToken != "" {
		form := cloneValues(base)
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", s.RefreshToken)
		resp, err = m.post(ctx, s.AuthServerURL, form)
		if err != nil && !etims.IsAuth(err) {
			return nil, err
		}
		if err != nil {
			m.log.Info("refresh grant rejected, falling back to password grant", zap.Uint("settings_id", s.ID))
		}
	}

	if resp == nil {
		password, err := m.sealer.Open(s.Password)
		if err != nil {
			return nil, etims.NewAuthError(operation, "cannot open password", err)
		}
		form := cloneValues(base)
		form.Set("grant_type", "password")
		form.Set("username", s.Username)
		form.Set("password", password)
		resp, err = m.post(ctx, s.AuthServerURL, form)
		if err != nil {
			return nil, err
		}
	}

	return m.save(ctx, s, resp)
}

func (m *Manager) post(ctx context.Context, authServer string, form url.Values) (*oauthResponse, error) {
	target := strings.TrimRight(authServer, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, etims.NewAuthError(operation, "invalid auth server url", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := m.http.Do(req)
	if err != nil {
		return nil, etims.ClassifyTransport(operation, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxTokenBodyBytes))
	if err != nil {
		return nil, etims.ClassifyTransport(operation, err)
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode <= 299:
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &etims.AuthError{RemoteError: etims.RemoteError{
			Operation: operation, HTTPStatus: res.StatusCode, Message: strings.TrimSpace(string(body)), Body: body,
		}}
	default:
		return nil, etims.ClassifyStatus(operation, res.StatusCode, "", body)
	}

	var out oauthResponse
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return nil, &etims.TransientError{RemoteError: etims.RemoteError{
			Operation: operation, HTTPStatus: res.StatusCode, Message: "malformed token response", Body: body, Err: err,
		}}
	}
	return &out, nil
}

func (m *Manager) save(ctx context.Context, s *models.Settings, resp *oauthResponse) (*etims.Token, error) {
	lifetime := defaultExpiresIn
	if secs, err := resp.ExpiresIn.Int64(); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	expiry := m.now().Add(lifetime)

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = s.RefreshToken
	}

	err := m.db.WithContext(ctx).Model(&models.Settings{}).
		Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"access_token":    resp.AccessToken,
			"refresh_token":   refreshToken,
			"token_expiry":    expiry,
			"last_auth_error": "",
			"auth_failed_at":  nil,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store token for settings %d: %w", s.ID, err)
	}

	m.log.Info("token refreshed", zap.Uint("settings_id", s.ID), zap.Time("expires_at", expiry))
	return &etims.Token{AccessToken: resp.AccessToken, ExpiresAt: &expiry}, nil
}

func (m *Manager) load(ctx context.Context, db *gorm.DB, id uint) (*models.Settings, error) {
	var s models.Settings
	if err := db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", etims.ErrSettingsNotFound, id)
		}
		return nil, fmt.Errorf("failed to load settings %d: %w", id, err)
	}
	return &s, nil
}

func blockedError(s *models.Settings) error {
	return etims.NewAuthError(operation, "blocked since "+s.AuthFailedAt.Format(time.RFC3339)+": "+s.LastAuthError, nil)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
