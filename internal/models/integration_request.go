package models

import (
	"time"

	"gorm.io/datatypes"
)

// Integration request status constants
const (
	IntegrationStatusCompleted = "Completed"
	IntegrationStatusFailed    = "Failed"
)

// IntegrationRequest is the audit row written for every remote call
type IntegrationRequest struct {
	ID           uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID    string         `gorm:"type:varchar(36);uniqueIndex;not null" json:"requestId"`
	SettingsID   uint           `gorm:"index" json:"settingsId"`
	SubmissionID *uint          `gorm:"index" json:"submissionId,omitempty"`
	Operation    string         `gorm:"type:varchar(100);index" json:"operation"`
	Method       string         `gorm:"type:varchar(10)" json:"method"`
	URL          string         `gorm:"column:url;type:varchar(1000)" json:"url"`
	Payload      datatypes.JSON `json:"payload,omitempty"`
	Response     datatypes.JSON `json:"response,omitempty"`
	HTTPStatus   int            `json:"httpStatus"`
	Status       string         `gorm:"type:varchar(20);index" json:"status"`
	ErrorKind    string         `gorm:"type:varchar(20)" json:"errorKind,omitempty"`
	Error        string         `gorm:"type:text" json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// TableName specifies the table name
func (IntegrationRequest) TableName() string {
	return "etims_integration_requests"
}
