package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionExists = errors.New("permission already exists for this user and device")
)

// Repo is the device directory backed by the relational database.
type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: newGormLogger()},
	)
}

func newGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Company{}, &User{}, &Device{}, &DevicePermission{}); err != nil {
		return nil, fmt.Errorf("migrate directory: %w", err)
	}
	return &Repo{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Companies ---

func (r *Repo) CreateCompany(ctx context.Context, c *Company) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("company.name is required")
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) FindCompany(ctx context.Context, id uuid.UUID) (*Company, error) {
	var row Company
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (r *Repo) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	var row Company
	if err := r.db.WithContext(ctx).First(&row, "name = ?", strings.TrimSpace(name)).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// --- Users ---

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	if u.Email == "" || u.Role == "" {
		return errors.New("user.email and user.role are required")
	}
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) FindUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var row User
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (r *Repo) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var row User
	if err := r.db.WithContext(ctx).First(&row, "email = ?", strings.TrimSpace(strings.ToLower(email))).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// --- Devices ---

// CreateDevice inserts a device. The owning company must exist.
func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.SensorID = strings.TrimSpace(d.SensorID)
	d.Name = strings.TrimSpace(d.Name)
	if d.SensorID == "" || d.Name == "" {
		return errors.New("device.sensor_id and device.name are required")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Company{}).Where("id = ?", d.CompanyID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("company %s: %w", d.CompanyID, ErrNotFound)
		}
		return tx.Create(d).Error
	})
}

func (r *Repo) FindDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (r *Repo) FindDeviceBySensorID(ctx context.Context, sensorID string) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, "sensor_id = ?", sensorID).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (r *Repo) ListDevices(ctx context.Context) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Order("created_at desc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListDevicesByCompany(ctx context.Context, companyID uuid.UUID) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Where("company_id = ?", companyID).Order("created_at desc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDevicesGrantedTo returns the devices the user holds a view permission for.
func (r *Repo) ListDevicesGrantedTo(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	var rows []Device
	err := r.db.WithContext(ctx).
		Model(&Device{}).
		Joins("JOIN device_permissions AS perm ON perm.device_id = iot_devices.id").
		Where("perm.user_id = ? AND perm.can_view = ?", userID, true).
		Order("iot_devices.id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TouchDevice records the last time a reading was accepted for the device.
func (r *Repo) TouchDevice(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).Update("last_connection_time", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
