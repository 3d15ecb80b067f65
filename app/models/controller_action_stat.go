package models

import "time"

// ControllerActionStat is a per-day counter of controller actions, flushed
// from the Redis counter hashes by the background flusher.
type ControllerActionStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Date      time.Time `gorm:"type:date;not null;index:ux_controller_action_stats_date_action,unique,priority:1" json:"date"`
	Action    string    `gorm:"type:varchar(24);not null;index:ux_controller_action_stats_date_action,unique,priority:2" json:"action"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
