package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission status constants
const (
	SubmissionStatusPending   = "pending"   // Awaiting dispatch or retry
	SubmissionStatusSubmitted = "submitted" // Accepted by the remote authority
	SubmissionStatusFailed    = "failed"    // Rejected, needs operator inspection
)

// Error kinds recorded against a submission
const (
	ErrorKindAuth       = "auth"
	ErrorKindValidation = "validation"
	ErrorKindTransient  = "transient"
)

// Slade sales stages, in order. The invoice is resumed from the last one reached.
const (
	StageInvoiceCreated = "created"      // Draft invoice exists, RemoteID holds its id
	StageLinesSaved     = "lines"        // Every line saved against the invoice
	StageTransitioned   = "transitioned" // Invoice moved out of draft
	StageSigned         = "signed"       // Signed by the control unit
)

// Categories a submission belongs to
const (
	CategorySales    = "sales"
	CategoryPurchase = "purchase"
	CategoryStock    = "stock"
	CategoryItems    = "items"
)

// Scheduler groups. Each maps to one frequency setting.
const (
	GroupSales    = "sales"
	GroupPurchase = "purchase"
	GroupStock    = "stock"
	GroupNotices  = "notices"
)

// Groups lists every scheduler group
var Groups = []string{GroupSales, GroupPurchase, GroupStock, GroupNotices}

// GroupCategories returns the submission categories drained by a scheduler group
func GroupCategories(group string) []string {
	switch group {
	case GroupSales:
		return []string{CategorySales}
	case GroupPurchase:
		return []string{CategoryPurchase}
	case GroupStock:
		return []string{CategoryStock, CategoryItems}
	}
	return nil
}

// Submission is one outbound payload. Rows are never deleted.
type Submission struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SettingsID   uint   `gorm:"not null;index:idx_submission_pending" json:"settingsId"`
	DocumentType string `gorm:"type:varchar(100);not null;uniqueIndex:idx_submission_document" json:"documentType"`
	DocumentName string `gorm:"type:varchar(255);not null;uniqueIndex:idx_submission_document" json:"documentName"`
	Operation    string `gorm:"type:varchar(100);not null;uniqueIndex:idx_submission_document" json:"operation"`
	Category     string `gorm:"type:varchar(20);not null;index:idx_submission_pending" json:"category"`
	Status       string `gorm:"type:varchar(20);not null;index:idx_submission_pending" json:"status"`

	Payload      datatypes.JSON `json:"payload"`
	Response     datatypes.JSON `json:"response,omitempty"`
	RemoteID     string         `gorm:"type:varchar(255);index" json:"remoteId,omitempty"`
	QRCode       string         `gorm:"type:text" json:"qrCode,omitempty"`
	Stage        string         `gorm:"type:varchar(20)" json:"stage,omitempty"`
	LinesSent    int            `json:"linesSent,omitempty"`
	ErrorKind    string         `gorm:"type:varchar(20)" json:"errorKind,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"errorMessage,omitempty"`
	ErrorPayload datatypes.JSON `json:"errorPayload,omitempty"`

	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index" json:"nextAttemptAt,omitempty"`
	ClaimedUntil  *time.Time `json:"-"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Submission) TableName() string {
	return "etims_submissions"
}

// IsTerminal reports whether the record has left the pending state
func (s *Submission) IsTerminal() bool {
	return s.Status == SubmissionStatusSubmitted || s.Status == SubmissionStatusFailed
}
