// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StringSlice is a []string that GORM serialises as JSON in a TEXT column.
type StringSlice []string

func assignID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

// User is the GORM model for the users table. UserLevel is the legacy
// scalar role; Roles is the newer multi-role array. Neither is read
// directly for authorization, see authz.Resolve.
type User struct {
	ID            string      `gorm:"type:text;primaryKey" json:"id"`
	Email         string      `gorm:"type:text;not null;uniqueIndex" json:"email"`
	FirstName     string      `gorm:"type:text;not null;default:''" json:"first_name"`
	LastName      string      `gorm:"type:text;not null;default:''" json:"last_name"`
	PasswordHash  string      `gorm:"type:text;not null;default:''" json:"-"`
	UserLevel     string      `gorm:"type:text;not null;default:''" json:"user_level"`
	Roles         StringSlice `gorm:"type:text;not null;default:'[]';serializer:json" json:"roles"`
	DistributorID *string     `gorm:"type:text;index" json:"distributor_id"`
	WorkshopID    *string     `gorm:"type:text;index" json:"workshop_id"`
	IsActive      bool        `gorm:"not null" json:"is_active"`
	IsVerified    bool        `gorm:"not null" json:"is_verified"`
	Region        string      `gorm:"type:text;not null;default:''" json:"region"`
	Language      string      `gorm:"type:text;not null;default:''" json:"language"`
	LastLogin     *time.Time  `json:"last_login,omitempty"`
	CreatedAt     time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	assignID(&u.ID)
	return nil
}

// Session is a login session. Only the SHA-256 of the token is stored.
type Session struct {
	ID         string    `gorm:"type:text;primaryKey"`
	UserID     string    `gorm:"type:text;not null;index"`
	TokenHash  string    `gorm:"type:text;not null;uniqueIndex"`
	DeviceInfo string    `gorm:"type:text;not null;default:''"`
	IPAddress  string    `gorm:"type:text;not null;default:''"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	assignID(&s.ID)
	return nil
}

// Distributor is a regional distribution partner.
type Distributor struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (d *Distributor) BeforeCreate(_ *gorm.DB) error {
	assignID(&d.ID)
	return nil
}

// Workshop is a service location, optionally owned by a distributor.
type Workshop struct {
	ID                  string    `gorm:"type:text;primaryKey" json:"id"`
	Name                string    `gorm:"type:text;not null" json:"name"`
	Email               string    `gorm:"type:text;not null;default:''" json:"email"`
	Phone               string    `gorm:"type:text;not null;default:''" json:"phone"`
	Address             string    `gorm:"type:text;not null;default:''" json:"address"`
	ParentDistributorID *string   `gorm:"type:text;index" json:"parent_distributor_id"`
	IsActive            bool      `gorm:"not null" json:"is_active"`
	CreatedAt           time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (w *Workshop) BeforeCreate(_ *gorm.DB) error {
	assignID(&w.ID)
	return nil
}

// Scooter operational statuses.
const (
	ScooterActive    = "active"
	ScooterInService = "in_service"
)

// DiagnosticConfig is the payload attached to a diagnostic request.
type DiagnosticConfig struct {
	Reason      string         `json:"reason"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// Diagnostic is the field group embedded on Scooter. It is always written
// as a whole; see lifecycle.ClearDiagnostic.
type Diagnostic struct {
	Requested   bool              `gorm:"not null" json:"requested"`
	Config      *DiagnosticConfig `gorm:"type:text;serializer:json" json:"config"`
	RequestedBy *string           `gorm:"type:text" json:"requested_by"`
	RequestedAt *time.Time        `json:"requested_at"`
	DeclinedAt  *time.Time        `json:"declined_at"`
}

// Scooter is a physical vehicle identified by its controller serial.
type Scooter struct {
	ID                  string     `gorm:"type:text;primaryKey" json:"id"`
	ZydSerial           string     `gorm:"type:text;not null;uniqueIndex" json:"zyd_serial"`
	Model               string     `gorm:"type:text;not null;default:''" json:"model"`
	DistributorID       *string    `gorm:"type:text;index" json:"distributor_id"`
	Status              string     `gorm:"type:text;not null" json:"status"`
	ControllerHWVersion string     `gorm:"column:controller_hw_version;type:text;not null;default:''" json:"controller_hw_version"`
	ControllerSWVersion string     `gorm:"column:controller_sw_version;type:text;not null;default:''" json:"controller_sw_version"`
	BMSSWVersion        string     `gorm:"column:bms_sw_version;type:text;not null;default:''" json:"bms_sw_version"`
	LastConnectedAt     *time.Time `json:"last_connected_at"`
	PinHash             string     `gorm:"type:text;not null;default:''" json:"-"`
	PinSetAt            *time.Time `json:"pin_set_at"`
	Diagnostic          Diagnostic `gorm:"embedded;embeddedPrefix:diagnostic_" json:"diagnostic"`
	CreatedAt           time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Scooter) BeforeCreate(_ *gorm.DB) error {
	assignID(&s.ID)
	return nil
}

// UserScooter links a user to a scooter they own. A scooter has at most
// one current link, the one without UnregisteredAt; ended links are kept
// as ownership history.
type UserScooter struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	UserID         string     `gorm:"type:text;not null;index" json:"user_id"`
	ScooterID      string     `gorm:"type:text;not null;index;uniqueIndex:idx_user_scooters_current,where:unregistered_at IS NULL" json:"scooter_id"`
	Nickname       string     `gorm:"type:text;not null;default:''" json:"nickname"`
	RegisteredAt   time.Time  `gorm:"not null" json:"registered_at"`
	UnregisteredAt *time.Time `json:"unregistered_at,omitempty"`
}

// BeforeCreate generates a UUID primary key if not set.
func (us *UserScooter) BeforeCreate(_ *gorm.DB) error {
	assignID(&us.ID)
	return nil
}

// ServiceJob is a repair or maintenance booking at a workshop.
type ServiceJob struct {
	ID               string              `gorm:"type:text;primaryKey" json:"id"`
	ScooterID        string              `gorm:"type:text;not null;index" json:"scooter_id"`
	WorkshopID       string              `gorm:"type:text;not null;index" json:"workshop_id"`
	CustomerID       string              `gorm:"type:text;not null;index" json:"customer_id"`
	TechnicianID     *string             `gorm:"type:text" json:"technician_id"`
	Status           string              `gorm:"type:text;not null;index" json:"status"`
	IssueDescription string              `gorm:"type:text;not null" json:"issue_description"`
	TechnicianNotes  string              `gorm:"type:text;not null;default:''" json:"technician_notes"`
	PartsUsed        StringSlice         `gorm:"type:text;not null;default:'[]';serializer:json" json:"parts_used"`
	FirmwareUpdated  bool                `gorm:"not null" json:"firmware_updated"`
	LabourCost       decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"labour_cost"`
	PartsCost        decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"parts_cost"`
	BookedDate       time.Time           `gorm:"not null" json:"booked_date"`
	StartedDate      *time.Time          `json:"started_date"`
	CompletedDate    *time.Time          `json:"completed_date"`
	CreatedAt        time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"not null" json:"updated_at"`

	Scooter  *Scooter  `gorm:"foreignKey:ScooterID" json:"scooter,omitempty"`
	Workshop *Workshop `gorm:"foreignKey:WorkshopID" json:"workshop,omitempty"`
}

// BeforeCreate generates a UUID primary key if not set.
func (j *ServiceJob) BeforeCreate(_ *gorm.DB) error {
	assignID(&j.ID)
	return nil
}

// RideSession is one uploaded recording from a scooter.
type RideSession struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	ScooterID   string     `gorm:"type:text;not null;index" json:"scooter_id"`
	UserID      string     `gorm:"type:text;not null;index" json:"user_id"`
	TriggerType string     `gorm:"type:text;not null" json:"trigger_type"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	SampleCount int        `gorm:"not null" json:"sample_count"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *RideSession) BeforeCreate(_ *gorm.DB) error {
	assignID(&r.ID)
	return nil
}

// RideSample is a single telemetry reading inside a RideSession.
type RideSample struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	RideSessionID  string    `gorm:"type:text;not null;index" json:"ride_session_id"`
	Seq            int       `gorm:"not null" json:"seq"`
	RecordedAt     time.Time `gorm:"not null" json:"recorded_at"`
	SpeedKmh       float64   `gorm:"not null" json:"speed_kmh"`
	BatteryPercent int       `gorm:"not null" json:"battery_percent"`
	MotorTempC     float64   `gorm:"not null" json:"motor_temp_c"`
	FaultCode      string    `gorm:"type:text;not null;default:''" json:"fault_code"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *RideSample) BeforeCreate(_ *gorm.DB) error {
	assignID(&r.ID)
	return nil
}

// Single-use token purposes.
const (
	PurposePasswordReset     = "password_reset"
	PurposeEmailVerification = "email_verification"
	PurposeEmailChange       = "email_change"
	PurposePinReset          = "pin_reset"
)

// UserToken is a single-use secret gating a sensitive change. Tokens are
// marked used rather than deleted.
type UserToken struct {
	ID        string     `gorm:"type:text;primaryKey"`
	UserID    string     `gorm:"type:text;not null;index"`
	Purpose   string     `gorm:"type:text;not null;index:idx_user_tokens_purpose_hash"`
	TokenHash string     `gorm:"type:text;not null;index:idx_user_tokens_purpose_hash"`
	NewEmail  *string    `gorm:"type:text"`
	ScooterID *string    `gorm:"type:text"`
	ExpiresAt time.Time  `gorm:"not null"`
	UsedAt    *time.Time
	CreatedAt time.Time  `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (t *UserToken) BeforeCreate(_ *gorm.DB) error {
	assignID(&t.ID)
	return nil
}

// RequestLog is an append-only record of rate-limited requests.
type RequestLog struct {
	ID         string    `gorm:"type:text;primaryKey"`
	Kind       string    `gorm:"type:text;not null;index:idx_request_logs_lookup"`
	Identifier string    `gorm:"type:text;not null;index:idx_request_logs_lookup"`
	CreatedAt  time.Time `gorm:"not null;index:idx_request_logs_lookup"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *RequestLog) BeforeCreate(_ *gorm.DB) error {
	assignID(&r.ID)
	return nil
}

// TermsVersion is one published legal document for a region, optional
// state and language. Versions are immutable once published.
type TermsVersion struct {
	ID            string    `gorm:"type:text;primaryKey" json:"id"`
	DocumentType  string    `gorm:"type:text;not null;uniqueIndex:idx_terms_versions_key" json:"document_type"`
	RegionCode    string    `gorm:"type:text;not null;uniqueIndex:idx_terms_versions_key" json:"region_code"`
	StateCode     string    `gorm:"type:text;not null;default:'';uniqueIndex:idx_terms_versions_key" json:"state_code"`
	LanguageCode  string    `gorm:"type:text;not null;uniqueIndex:idx_terms_versions_key" json:"language_code"`
	Version       string    `gorm:"type:text;not null;uniqueIndex:idx_terms_versions_key" json:"version"`
	Title         string    `gorm:"type:text;not null" json:"title"`
	PublicURL     string    `gorm:"type:text;not null" json:"public_url"`
	SHA256        string    `gorm:"column:sha256;type:text;not null;default:''" json:"sha256"`
	DistributorID *string   `gorm:"type:text;index" json:"distributor_id"`
	EffectiveDate time.Time `gorm:"not null" json:"effective_date"`
	IsActive      bool      `gorm:"not null" json:"is_active"`
	CreatedBy     string    `gorm:"type:text;not null" json:"created_by"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (t *TermsVersion) BeforeCreate(_ *gorm.DB) error {
	assignID(&t.ID)
	return nil
}

// UserConsent records a user's answer to one TermsVersion. Declines are
// kept too.
type UserConsent struct {
	ID                string    `gorm:"type:text;primaryKey" json:"id"`
	UserID            string    `gorm:"type:text;not null;index" json:"user_id"`
	TermsID           string    `gorm:"type:text;not null;index" json:"terms_id"`
	DocumentType      string    `gorm:"type:text;not null" json:"document_type"`
	RegionCode        string    `gorm:"type:text;not null" json:"region_code"`
	Version           string    `gorm:"type:text;not null" json:"version"`
	Accepted          bool      `gorm:"not null" json:"accepted"`
	ScrolledToBottom  bool      `gorm:"not null" json:"scrolled_to_bottom"`
	TimeToReadSeconds int       `gorm:"not null" json:"time_to_read_seconds"`
	IPAddress         string    `gorm:"type:text;not null;default:''" json:"ip_address"`
	UserAgent         string    `gorm:"type:text;not null;default:''" json:"user_agent"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (c *UserConsent) BeforeCreate(_ *gorm.DB) error {
	assignID(&c.ID)
	return nil
}

// DeviceToken is a push registration for one of a user's devices.
type DeviceToken struct {
	ID                string    `gorm:"type:text;primaryKey" json:"id"`
	UserID            string    `gorm:"type:text;not null;uniqueIndex:idx_device_tokens_user_device" json:"user_id"`
	DeviceFingerprint string    `gorm:"type:text;not null;uniqueIndex:idx_device_tokens_user_device" json:"device_fingerprint"`
	FCMToken          string    `gorm:"column:fcm_token;type:text;not null" json:"-"`
	DeviceName        string    `gorm:"type:text;not null;default:''" json:"device_name"`
	Platform          string    `gorm:"type:text;not null;default:''" json:"platform"`
	AppVersion        string    `gorm:"type:text;not null;default:''" json:"app_version"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (d *DeviceToken) BeforeCreate(_ *gorm.DB) error {
	assignID(&d.ID)
	return nil
}

// All lists every model for AutoMigrate, in dependency order.
func All() []any {
	return []any{
		&Distributor{},
		&Workshop{},
		&User{},
		&Session{},
		&Scooter{},
		&UserScooter{},
		&ServiceJob{},
		&RideSession{},
		&RideSample{},
		&UserToken{},
		&RequestLog{},
		&TermsVersion{},
		&UserConsent{},
		&DeviceToken{},
	}
}
