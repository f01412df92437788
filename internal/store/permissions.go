package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GrantAccess gives the user view access to the device, optionally with manage rights.
func (r *Repo) GrantAccess(ctx context.Context, userID, deviceID uuid.UUID, canManage bool) (*DevicePermission, error) {
	p := &DevicePermission{
		ID:        uuid.New(),
		UserID:    userID,
		DeviceID:  deviceID,
		CanView:   true,
		CanManage: canManage,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Device{}).Where("id = ?", deviceID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		var existing DevicePermission
		err := tx.First(&existing, "user_id = ? AND device_id = ?", userID, deviceID).Error
		if err == nil {
			return ErrPermissionExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repo) RevokeAccess(ctx context.Context, userID, deviceID uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("user_id = ? AND device_id = ?", userID, deviceID).Delete(&DevicePermission{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) UpdatePermission(ctx context.Context, userID, deviceID uuid.UUID, canView, canManage bool) (*DevicePermission, error) {
	var p DevicePermission
	if err := r.db.WithContext(ctx).First(&p, "user_id = ? AND device_id = ?", userID, deviceID).Error; err != nil {
		return nil, notFound(err)
	}
	// Map updates so that false values are written.
	err := r.db.WithContext(ctx).Model(&p).Updates(map[string]any{"can_view": canView, "can_manage": canManage}).Error
	if err != nil {
		return nil, err
	}
	p.CanView = canView
	p.CanManage = canManage
	return &p, nil
}

// CheckDeviceAccess reports whether the user may view the device through an explicit grant.
func (r *Repo) CheckDeviceAccess(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	var p DevicePermission
	err := r.db.WithContext(ctx).First(&p, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.CanView, nil
}

func (r *Repo) ListUserPermissions(ctx context.Context, userID uuid.UUID) ([]DevicePermission, error) {
	var rows []DevicePermission
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
