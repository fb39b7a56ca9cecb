package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/services/scheduler"
	"github.com/xelth-com/etimsgo/internal/utils"
)

const operation = "SettingsSave"

// ErrNotFound is returned for unknown settings ids
var ErrNotFound = errors.New("settings not found")

var kraPIN = regexp.MustCompile(`^[a-zA-Z]{1}[0-9]{9}[a-zA-Z]{1}$`)

// DeviceCaller performs the unauthenticated device verification call
type DeviceCaller interface {
	Call(ctx context.Context, req etims.CallRequest) (*etims.Response, error)
}

// Input is the editable part of a settings record. Empty secrets keep the stored value.
type Input struct {
	Env      string `json:"env"`
	Company  string `json:"company"`
	BranchID string `json:"branchId"`
	Vendor   string `json:"vendor"`
	IsActive *bool  `json:"isActive"`

	TIN          string `json:"tin"`
	DeviceSerial string `json:"deviceSerial"`
	Workstation  string `json:"workstation"`

	SandboxServerURL    string `json:"sandboxServerUrl"`
	ProductionServerURL string `json:"productionServerUrl"`
	AuthServerURL       string `json:"authServerUrl"`

	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Username     string `json:"username"`
	Password     string `json:"password"`

	CommunicationKey string `json:"communicationKey"`

	SalesFrequency    string `json:"salesFrequency"`
	SalesCron         string `json:"salesCron"`
	StockFrequency    string `json:"stockFrequency"`
	StockCron         string `json:"stockCron"`
	PurchaseFrequency string `json:"purchaseFrequency"`
	PurchaseCron      string `json:"purchaseCron"`
	NoticesFrequency  string `json:"noticesFrequency"`
	NoticesCron       string `json:"noticesCron"`
}

// Service manages settings records and keeps one active per (env, company, branch)
type Service struct {
	db       *gorm.DB
	caller   DeviceCaller
	sealer   *utils.Sealer
	allSpec  string
	log      *zap.Logger
	onChange func(ctx context.Context)
}

// NewService creates a settings service
func NewService(db *gorm.DB, caller DeviceCaller, sealer *utils.Sealer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, caller: caller, sealer: sealer, allSpec: scheduler.DefaultAllSpec, log: log}
}

// OnChange registers a callback run after any record changes, used to reload schedules
func (s *Service) OnChange(fn func(ctx context.Context)) {
	s.onChange = fn
}

func (s *Service) changed(ctx context.Context) {
	if s.onChange != nil {
		s.onChange(ctx)
	}
}

// List returns every settings record
func (s *Service) List(ctx context.Context) ([]models.Settings, error) {
	var out []models.Settings
	if err := s.db.WithContext(ctx).Order("company, env, branch_id, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return out, nil
}

// Get returns one settings record
func (s *Service) Get(ctx context.Context, id uint) (*models.Settings, error) {
	return s.get(ctx, s.db, id)
}

func (s *Service) get(ctx context.Context, db *gorm.DB, id uint) (*models.Settings, error) {
	var rec models.Settings
	if err := db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings %d: %w", id, err)
	}
	return &rec, nil
}

// Create validates and stores a new record
func (s *Service) Create(ctx context.Context, in Input) (*models.Settings, error) {
	rec := &models.Settings{IsActive: true}
	if in.IsActive != nil {
		rec.IsActive = *in.IsActive
	}
	if err := s.apply(rec, in); err != nil {
		return nil, err
	}
	if in.CommunicationKey != "" {
		rec.CommunicationKey = in.CommunicationKey
	}
	if err := s.validate(rec); err != nil {
		return nil, err
	}

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.log.Info("settings created", zap.Uint("settings_id", rec.ID), zap.String("company", rec.Company),
		zap.String("env", rec.Env), zap.String("branch", rec.BranchID), zap.Bool("active", rec.IsActive))
	s.changed(ctx)
	return rec, nil
}

// Update replaces the editable fields of a record
func (s *Service) Update(ctx context.Context, id uint, in Input) (*models.Settings, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	before := *rec
	if in.IsActive != nil {
		rec.IsActive = *in.IsActive
	}
	if err := s.apply(rec, in); err != nil {
		return nil, err
	}

	if in.CommunicationKey != "" && in.CommunicationKey != before.CommunicationKey {
		if before.HasCommunicationKey() {
			return nil, etims.NewValidationError(operation, "communication key is already issued and cannot be changed")
		}
		rec.CommunicationKey = in.CommunicationKey
		rec.LastAuthError = ""
		rec.AuthFailedAt = nil
	}

	if credentialsChanged(&before, rec, in) {
		rec.AccessToken = ""
		rec.RefreshToken = ""
		rec.TokenExpiry = nil
		rec.LastAuthError = ""
		rec.AuthFailedAt = nil
		s.log.Info("credentials changed, stored tokens cleared", zap.Uint("settings_id", rec.ID))
	}

	if err := s.validate(rec); err != nil {
		return nil, err
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.changed(ctx)
	return rec, nil
}

// Activate makes a record the active one of its tuple
func (s *Service) Activate(ctx context.Context, id uint) (*models.Settings, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsActive {
		return rec, nil
	}
	rec.IsActive = true
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.changed(ctx)
	return rec, nil
}

// Unblock clears a recorded auth failure once the operator has fixed the cause
func (s *Service) Unblock(ctx context.Context, id uint) (*models.Settings, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.AuthBlocked() {
		return rec, nil
	}
	err = s.db.WithContext(ctx).Model(&models.Settings{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_auth_error": "", "auth_failed_at": nil}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to unblock settings %d: %w", id, err)
	}
	s.log.Info("settings unblocked", zap.Uint("settings_id", id))
	s.changed(ctx)
	return s.Get(ctx, id)
}

// save writes rec and enforces active exclusivity in one transaction.
// Siblings are deactivated before rec is written so the partial unique index never sees two.
func (s *Service) save(ctx context.Context, rec *models.Settings) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		siblings := func() *gorm.DB {
			return tx.Model(&models.Settings{}).
				Where("env = ? AND company = ? AND branch_id = ? AND id <> ?", rec.Env, rec.Company, rec.BranchID, rec.ID)
		}

		if rec.IsActive {
			if err := siblings().Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate siblings: %w", err)
			}
		} else {
			var active int64
			if err := siblings().Where("is_active = ?", true).Count(&active).Error; err != nil {
				return fmt.Errorf("failed to count active siblings: %w", err)
			}
			if active == 0 {
				rec.IsActive = true
			}
		}

		return tx.Save(rec).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InitializeDevice fetches the communication key for an OSCU record that has none
func (s *Service) InitializeDevice(ctx context.Context, id uint) (*models.Settings, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Vendor != models.VendorOSCU {
		return nil, etims.NewValidationError("DeviceVerificationReq", "only OSCU devices are initialized")
	}
	if rec.HasCommunicationKey() {
		return rec, nil
	}

	resp, err := s.caller.Call(ctx, etims.CallRequest{
		SettingsID: rec.ID,
		Operation:  "DeviceVerificationReq",
		Payload: map[string]interface{}{
			"tin":      rec.TIN,
			"bhfId":    rec.BranchID,
			"dvcSrlNo": rec.DeviceSerial,
		},
		Unauthenticated: true,
	})
	if err != nil {
		return nil, err
	}

	info, _ := resp.Data["info"].(map[string]interface{})
	key, _ := info["cmcKey"].(string)
	if key == "" {
		return nil, etims.NewValidationError("DeviceVerificationReq", "response carries no communication key")
	}
	updates := map[string]interface{}{
		"communication_key": key,
		"last_auth_error":   "",
		"auth_failed_at":    nil,
	}
	if sdc, ok := info["sdcId"]; ok && sdc != nil {
		updates["scu_id"] = fmt.Sprint(sdc)
	}

	// only the first key is kept if two initializations race
	res := s.db.WithContext(ctx).Model(&models.Settings{}).
		Where("id = ? AND (communication_key IS NULL OR communication_key = '')", rec.ID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to store communication key: %w", res.Error)
	}
	s.log.Info("device initialized", zap.Uint("settings_id", rec.ID), zap.Bool("stored", res.RowsAffected > 0))
	s.changed(ctx)
	return s.Get(ctx, id)
}

func (s *Service) apply(rec *models.Settings, in Input) error {
	rec.Env = strings.TrimSpace(in.Env)
	rec.Company = strings.TrimSpace(in.Company)
	rec.BranchID = strings.TrimSpace(in.BranchID)
	rec.Vendor = strings.TrimSpace(in.Vendor)
	rec.TIN = strings.ToUpper(strings.TrimSpace(in.TIN))
	rec.DeviceSerial = strings.TrimSpace(in.DeviceSerial)
	rec.Workstation = strings.TrimSpace(in.Workstation)
	rec.SandboxServerURL = strings.TrimSpace(in.SandboxServerURL)
	rec.ProductionServerURL = strings.TrimSpace(in.ProductionServerURL)
	rec.AuthServerURL = strings.TrimSpace(in.AuthServerURL)
	rec.ClientID = in.ClientID
	rec.Username = in.Username

	rec.SalesFrequency, rec.SalesCron = frequency(in.SalesFrequency), in.SalesCron
	rec.StockFrequency, rec.StockCron = frequency(in.StockFrequency), in.StockCron
	rec.PurchaseFrequency, rec.PurchaseCron = frequency(in.PurchaseFrequency), in.PurchaseCron
	rec.NoticesFrequency, rec.NoticesCron = frequency(in.NoticesFrequency), in.NoticesCron

	if in.ClientSecret != "" {
		sealed, err := s.sealer.Seal(in.ClientSecret)
		if err != nil {
			return fmt.Errorf("failed to seal client secret: %w", err)
		}
		rec.ClientSecret = sealed
	}
	if in.Password != "" {
		sealed, err := s.sealer.Seal(in.Password)
		if err != nil {
			return fmt.Errorf("failed to seal password: %w", err)
		}
		rec.Password = sealed
	}
	return nil
}

func (s *Service) validate(rec *models.Settings) error {
	fail := func(format string, args ...interface{}) error {
		return etims.NewValidationError(operation, fmt.Sprintf(format, args...))
	}

	if rec.Env != models.EnvSandbox && rec.Env != models.EnvProduction {
		return fail("env must be %s or %s", models.EnvSandbox, models.EnvProduction)
	}
	if rec.Company == "" {
		return fail("company is required")
	}
	if rec.Vendor != models.VendorOSCU && rec.Vendor != models.VendorSlade {
		return fail("unknown vendor %q", rec.Vendor)
	}
	if rec.TIN == "" {
		return fail("tin is required")
	}
	if !kraPIN.MatchString(rec.TIN) {
		return fail("tin %q is not a valid KRA PIN", rec.TIN)
	}
	if len(rec.BranchID) != 2 {
		return fail("invalid branch id %q, expected two characters", rec.BranchID)
	}
	if len(rec.DeviceSerial) > 100 {
		return fail("device serial number is longer than 100 characters")
	}

	for name, raw := range map[string]string{
		"sandbox server url":    rec.SandboxServerURL,
		"production server url": rec.ProductionServerURL,
		"auth server url":       rec.AuthServerURL,
	} {
		if raw != "" && !validURL(raw) {
			return fail("the %s provided is invalid", name)
		}
	}
	if rec.ServerURL() == "" {
		return fail("a server url is required for the %s environment", rec.Env)
	}
	if rec.Vendor == models.VendorSlade {
		if rec.AuthServerURL == "" {
			return fail("auth server url is required for %s", models.VendorSlade)
		}
		if rec.Username == "" || rec.Password == "" {
			return fail("username and password are required for %s", models.VendorSlade)
		}
	}

	for _, group := range models.Groups {
		freq, expr := rec.Schedule(group)
		if _, err := scheduler.SpecFor(freq, expr, s.allSpec); err != nil {
			return fail("%s schedule: %v", group, err)
		}
	}
	return nil
}

func credentialsChanged(before, after *models.Settings, in Input) bool {
	return before.Username != after.Username ||
		before.ClientID != after.ClientID ||
		before.AuthServerURL != after.AuthServerURL ||
		before.Vendor != after.Vendor ||
		before.Env != after.Env ||
		in.Password != "" ||
		in.ClientSecret != ""
}

func frequency(f string) string {
	if f == "" {
		return models.FrequencyAll
	}
	return f
}

func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
