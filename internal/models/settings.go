package models

import (
	"time"
)

// Environments
const (
	EnvSandbox    = "Sandbox"
	EnvProduction = "Production"
)

// Vendor codes, as stored on settings and routes
const (
	VendorOSCU  = "OSCU KRA"
	VendorSlade = "VSCU Slade 360"
)

// Submission frequencies
const (
	FrequencyAll     = "All"
	FrequencyHourly  = "Hourly"
	FrequencyDaily   = "Daily"
	FrequencyWeekly  = "Weekly"
	FrequencyMonthly = "Monthly"
	FrequencyYearly  = "Yearly"
	FrequencyCron    = "Cron"
)

// Settings holds credentials and the current token for one (env, company, branch).
// ClientSecret and Password are sealed at rest.
type Settings struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Env      string `gorm:"type:varchar(20);not null;index:idx_settings_tuple;uniqueIndex:idx_settings_active,where:is_active = true" json:"env"`
	Company  string `gorm:"type:varchar(255);not null;index:idx_settings_tuple;uniqueIndex:idx_settings_active,where:is_active = true" json:"company"`
	BranchID string `gorm:"column:branch_id;type:varchar(10);not null;index:idx_settings_tuple;uniqueIndex:idx_settings_active,where:is_active = true" json:"branchId"`
	Vendor   string `gorm:"type:varchar(50);not null" json:"vendor"`
	IsActive bool   `gorm:"index" json:"isActive"`

	TIN          string `gorm:"column:tin;type:varchar(20)" json:"tin"`
	DeviceSerial string `gorm:"type:varchar(100)" json:"deviceSerial"`
	Workstation  string `gorm:"type:varchar(255)" json:"workstation,omitempty"`

	SandboxServerURL    string `gorm:"type:varchar(500)" json:"sandboxServerUrl"`
	ProductionServerURL string `gorm:"type:varchar(500)" json:"productionServerUrl"`
	AuthServerURL       string `gorm:"type:varchar(500)" json:"authServerUrl,omitempty"`

	ClientID     string `gorm:"type:varchar(255)" json:"clientId,omitempty"`
	ClientSecret string `gorm:"type:text" json:"-"`
	Username     string `gorm:"type:varchar(255)" json:"username,omitempty"`
	Password     string `gorm:"type:text" json:"-"`

	// issued once by DeviceVerificationReq
	CommunicationKey string `gorm:"type:varchar(255)" json:"-"`
	SCUID            string `gorm:"column:scu_id;type:varchar(100)" json:"scuId,omitempty"`

	AccessToken  string     `gorm:"type:text" json:"-"`
	RefreshToken string     `gorm:"type:text" json:"-"`
	TokenExpiry  *time.Time `json:"tokenExpiry,omitempty"`

	SalesFrequency    string `gorm:"type:varchar(20)" json:"salesFrequency"`
	SalesCron         string `gorm:"type:varchar(100)" json:"salesCron,omitempty"`
	StockFrequency    string `gorm:"type:varchar(20)" json:"stockFrequency"`
	StockCron         string `gorm:"type:varchar(100)" json:"stockCron,omitempty"`
	PurchaseFrequency string `gorm:"type:varchar(20)" json:"purchaseFrequency"`
	PurchaseCron      string `gorm:"type:varchar(100)" json:"purchaseCron,omitempty"`
	NoticesFrequency  string `gorm:"type:varchar(20)" json:"noticesFrequency"`
	NoticesCron       string `gorm:"type:varchar(100)" json:"noticesCron,omitempty"`

	LastAuthError string     `gorm:"type:text" json:"lastAuthError,omitempty"`
	AuthFailedAt  *time.Time `json:"authFailedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Settings) TableName() string {
	return "etims_settings"
}

// ServerURL returns the remote base URL for the record's environment
func (s *Settings) ServerURL() string {
	if s.Env == EnvProduction {
		return s.ProductionServerURL
	}
	return s.SandboxServerURL
}

// HasCommunicationKey reports whether the device was initialized
func (s *Settings) HasCommunicationKey() bool {
	return s.CommunicationKey != ""
}

// AuthBlocked reports whether an AuthError awaits operator action
func (s *Settings) AuthBlocked() bool {
	return s.AuthFailedAt != nil
}

// Schedule returns the frequency and cron expression configured for a category group
func (s *Settings) Schedule(group string) (string, string) {
	switch group {
	case GroupSales:
		return s.SalesFrequency, s.SalesCron
	case GroupStock:
		return s.StockFrequency, s.StockCron
	case GroupPurchase:
		return s.PurchaseFrequency, s.PurchaseCron
	case GroupNotices:
		return s.NoticesFrequency, s.NoticesCron
	}
	return "", ""
}
