package models

import "time"

// Notice is an announcement published by the tax authority
type Notice struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SettingsID   uint       `gorm:"not null;uniqueIndex:idx_notice_number" json:"settingsId"`
	NoticeNo     string     `gorm:"type:varchar(50);not null;uniqueIndex:idx_notice_number" json:"noticeNo"`
	Title        string     `gorm:"type:varchar(500)" json:"title"`
	Content      string     `gorm:"type:text" json:"content"`
	DetailURL    string     `gorm:"type:varchar(1000)" json:"detailUrl,omitempty"`
	RegisteredBy string     `gorm:"type:varchar(255)" json:"registeredBy,omitempty"`
	RegisteredAt *time.Time `json:"registeredAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// TableName specifies the table name
func (Notice) TableName() string {
	return "etims_notices"
}
