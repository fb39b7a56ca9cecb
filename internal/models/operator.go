package models

import (
	"time"
)

// Operator is a person allowed to drive the compliance API
type Operator struct {
	ID                  uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Username            string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Password            string     `gorm:"not null" json:"-"`
	Name                string     `json:"name,omitempty"`
	Role                string     `gorm:"type:varchar(20);not null" json:"role"`
	IsActive            bool       `json:"isActive"`
	LastLogin           *time.Time `json:"lastLogin,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Operator roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// TableName specifies the table name
func (Operator) TableName() string {
	return "operators"
}
