package store

import (
	"time"

	"github.com/google/uuid"
)

type Company struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex;not null"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Company) TableName() string { return "companies" }

// User is the directory view of an authenticated subject. Credentials live with the issuer.
type User struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Email     string     `json:"email" gorm:"uniqueIndex;not null"`
	Role      string     `json:"role" gorm:"not null"`
	CompanyID *uuid.UUID `json:"company_id" gorm:"type:uuid;index"`
	IsActive  bool       `json:"is_active" gorm:"not null"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

type Device struct {
	ID                 uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Name               string     `json:"name" gorm:"not null"`
	SensorID           string     `json:"sensor_id" gorm:"uniqueIndex;not null"`
	CompanyID          uuid.UUID  `json:"company_id" gorm:"type:uuid;index;not null"`
	IsActive           bool       `json:"is_active" gorm:"not null"`
	LastConnectionTime *time.Time `json:"last_connection_time"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (Device) TableName() string { return "iot_devices" }

type DevicePermission struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_user_device"`
	DeviceID  uuid.UUID `json:"device_id" gorm:"type:uuid;not null;uniqueIndex:idx_user_device;index"`
	CanView   bool      `json:"can_view" gorm:"not null"`
	CanManage bool      `json:"can_manage" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DevicePermission) TableName() string { return "device_permissions" }
