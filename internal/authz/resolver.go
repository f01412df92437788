// Package authz decides which devices a subject may see.
package authz

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"telemetry-service/internal/roles"
	"telemetry-service/internal/store"
)

// Directory is the read side of the device directory the resolver needs.
type Directory interface {
	ListDevices(ctx context.Context) ([]store.Device, error)
	ListDevicesByCompany(ctx context.Context, companyID uuid.UUID) ([]store.Device, error)
	ListDevicesGrantedTo(ctx context.Context, userID uuid.UUID) ([]store.Device, error)
	FindUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	FindCompany(ctx context.Context, id uuid.UUID) (*store.Company, error)
}

const defaultLookupTimeout = 3 * time.Second

type Resolver struct {
	dir     Directory
	timeout time.Duration
}

func NewResolver(dir Directory, lookupTimeout time.Duration) *Resolver {
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	return &Resolver{dir: dir, timeout: lookupTimeout}
}

// Resolve returns the sorted ids of every device the subject may view. Any lookup
// failure yields an empty set.
func (r *Resolver) Resolve(ctx context.Context, subjectID, role, organizationID string) []string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := slog.With("subject_id", subjectID, "role", role)
	var (
		devices []store.Device
		err     error
	)
	switch role {
	case roles.SystemAdmin:
		devices, err = r.dir.ListDevices(ctx)
	case roles.OrgAdmin:
		companyID, ok := r.organizationOf(ctx, log, subjectID, organizationID)
		if !ok {
			return []string{}
		}
		devices, err = r.dir.ListDevicesByCompany(ctx, companyID)
	case roles.Member:
		userID, perr := uuid.Parse(subjectID)
		if perr != nil {
			log.Warn("authz: subject id is not a uuid", "error", perr)
			return []string{}
		}
		devices, err = r.dir.ListDevicesGrantedTo(ctx, userID)
	default:
		log.Warn("authz: unknown role")
		return []string{}
	}
	if err != nil {
		log.Error("authz: device lookup failed", "error", err)
		return []string{}
	}
	return deviceIDs(devices)
}

// organizationOf prefers the token's organization and falls back to the subject record.
// The company must exist.
func (r *Resolver) organizationOf(ctx context.Context, log *slog.Logger, subjectID, organizationID string) (uuid.UUID, bool) {
	var companyID uuid.UUID
	if organizationID != "" {
		id, err := uuid.Parse(organizationID)
		if err != nil {
			log.Warn("authz: organization id is not a uuid", "organization_id", organizationID)
			return uuid.Nil, false
		}
		companyID = id
	} else {
		userID, err := uuid.Parse(subjectID)
		if err != nil {
			log.Warn("authz: subject id is not a uuid", "error", err)
			return uuid.Nil, false
		}
		u, err := r.dir.FindUser(ctx, userID)
		if err != nil {
			log.Warn("authz: subject lookup failed", "error", err)
			return uuid.Nil, false
		}
		if u.CompanyID == nil {
			log.Warn("authz: organization admin without organization")
			return uuid.Nil, false
		}
		companyID = *u.CompanyID
	}
	if _, err := r.dir.FindCompany(ctx, companyID); err != nil {
		log.Warn("authz: organization lookup failed", "organization_id", companyID, "error", err)
		return uuid.Nil, false
	}
	return companyID, true
}

func deviceIDs(devices []store.Device) []string {
	seen := make(map[string]struct{}, len(devices))
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		id := d.ID.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
