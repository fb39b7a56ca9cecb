package models

import "time"

// Route maps a logical operation to a remote endpoint path for one vendor
type Route struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Operation     string     `gorm:"type:varchar(100);not null;uniqueIndex:idx_route_operation" json:"operation"`
	Vendor        string     `gorm:"type:varchar(50);not null;uniqueIndex:idx_route_operation" json:"vendor"`
	Method        string     `gorm:"type:varchar(10);not null" json:"method"`
	URLPath       string     `gorm:"column:url_path;type:varchar(500);not null" json:"urlPath"`
	Description   string     `gorm:"type:varchar(255)" json:"description,omitempty"`
	LastRequestAt *time.Time `json:"lastRequestAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (Route) TableName() string {
	return "etims_routes"
}
