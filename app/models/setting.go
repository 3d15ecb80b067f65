package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings represents the application settings structure, including the
// credentials the payment provider and controller adapters are built from.
// Adapters read a resolved snapshot at construction time; saving settings
// must be followed by an explicit registry invalidation, there is no TTL.
type AppSettings struct {
	SiteTitle     string `json:"site_title" validate:"required,min=1,max=255"`
	PortalEnabled bool   `json:"portal_enabled"`

	SweepIntervalSeconds int `json:"sweep_interval_seconds" validate:"min=10,max=3600"`
	JobQueueWorkerCount  int `json:"job_queue_worker_count" validate:"min=1,max=32"`

	ControllerBaseURL  string `json:"controller_base_url" validate:"omitempty,url"`
	ControllerSite     string `json:"controller_site"`
	ControllerUsername string `json:"controller_username"`
	ControllerPassword string `json:"controller_password"`

	StripeSecretKey      string `json:"stripe_secret_key"`
	StripeWebhookSecret  string `json:"stripe_webhook_secret"`
	StripePublishableKey string `json:"stripe_publishable_key"`

	mu sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	// Initialize with defaults
	appSettings = &AppSettings{
		SiteTitle:            "HotspotFox",
		PortalEnabled:        true,
		SweepIntervalSeconds: 60,
		JobQueueWorkerCount:  3,
		ControllerSite:       "default",
	}

	// Load settings from database
	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Apply loaded settings
	for _, setting := range settings {
		switch setting.Key {
		case "site_title":
			appSettings.SiteTitle = setting.Value
		case "portal_enabled":
			appSettings.PortalEnabled = setting.Value == "true"
		case "sweep_interval_seconds":
			if v, err := strconv.Atoi(setting.Value); err == nil && v > 0 {
				appSettings.SweepIntervalSeconds = v
			}
		case "job_queue_worker_count":
			if v, err := strconv.Atoi(setting.Value); err == nil && v > 0 {
				appSettings.JobQueueWorkerCount = v
			}
		case "controller_base_url":
			appSettings.ControllerBaseURL = setting.Value
		case "controller_site":
			appSettings.ControllerSite = setting.Value
		case "controller_username":
			appSettings.ControllerUsername = setting.Value
		case "controller_password":
			appSettings.ControllerPassword = setting.Value
		case "stripe_secret_key":
			appSettings.StripeSecretKey = setting.Value
		case "stripe_webhook_secret":
			appSettings.StripeWebhookSecret = setting.Value
		case "stripe_publishable_key":
			appSettings.StripePublishableKey = setting.Value
		}
	}

	return nil
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	// Validate settings
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Convert settings to database format
	settingsMap := map[string]interface{}{
		"site_title":             settings.SiteTitle,
		"portal_enabled":         fmt.Sprintf("%t", settings.PortalEnabled),
		"sweep_interval_seconds": strconv.Itoa(settings.SweepIntervalSeconds),
		"job_queue_worker_count": strconv.Itoa(settings.JobQueueWorkerCount),
		"controller_base_url":    settings.ControllerBaseURL,
		"controller_site":        settings.ControllerSite,
		"controller_username":    settings.ControllerUsername,
		"controller_password":    settings.ControllerPassword,
		"stripe_secret_key":      settings.StripeSecretKey,
		"stripe_webhook_secret":  settings.StripeWebhookSecret,
		"stripe_publishable_key": settings.StripePublishableKey,
	}

	// Save each setting
	for key, value := range settingsMap {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				// Create new setting
				setting = Setting{
					Key:   key,
					Value: fmt.Sprintf("%v", value),
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			// Update existing setting
			setting.Value = fmt.Sprintf("%v", value)
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	// Update global settings
	appSettings = settings
	return nil
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case "portal_enabled":
		return "boolean"
	case "sweep_interval_seconds", "job_queue_worker_count":
		return "integer"
	default:
		return "string"
	}
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// FromJSON loads settings from JSON
func (s *AppSettings) FromJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, s)
}

// GetSiteTitle returns the site title
func (s *AppSettings) GetSiteTitle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SiteTitle
}

// IsPortalEnabled returns whether the guest portal accepts redemptions/payments
func (s *AppSettings) IsPortalEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PortalEnabled
}

// GetSweepIntervalSeconds returns the reconciliation sweep interval
func (s *AppSettings) GetSweepIntervalSeconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.SweepIntervalSeconds <= 0 {
		return 60
	}
	return s.SweepIntervalSeconds
}

// GetJobQueueWorkerCount returns the configured worker count
func (s *AppSettings) GetJobQueueWorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.JobQueueWorkerCount <= 0 {
		return 3
	}
	return s.JobQueueWorkerCount
}

// ControllerConfig returns a resolved snapshot of the controller credentials.
func (s *AppSettings) ControllerConfig() (baseURL, site, username, password string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ControllerBaseURL, s.ControllerSite, s.ControllerUsername, s.ControllerPassword
}

// StripeConfig returns a resolved snapshot of the Stripe credentials.
func (s *AppSettings) StripeConfig() (secretKey, webhookSecret, publishableKey string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.StripeSecretKey, s.StripeWebhookSecret, s.StripePublishableKey
}
