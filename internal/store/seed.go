package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"telemetry-service/internal/roles"
)

// Seed is a directory fixture. Companies, users and devices are referenced by
// their natural keys (company name, user email, sensor id).
type Seed struct {
	Companies []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Active      *bool  `yaml:"active"`
	} `yaml:"companies"`
	Users []struct {
		Email   string `yaml:"email"`
		Role    string `yaml:"role"`
		Company string `yaml:"company"`
		Active  *bool  `yaml:"active"`
	} `yaml:"users"`
	Devices []struct {
		Name     string `yaml:"name"`
		SensorID string `yaml:"sensor_id"`
		Company  string `yaml:"company"`
		Active   *bool  `yaml:"active"`
	} `yaml:"devices"`
	Permissions []struct {
		User      string `yaml:"user"`
		SensorID  string `yaml:"sensor_id"`
		CanManage bool   `yaml:"can_manage"`
	} `yaml:"permissions"`
}

type SeedResult struct {
	Created int
	Skipped int
}

func ParseSeed(r io.Reader) (*Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

func active(v *bool) bool { return v == nil || *v }

// ApplySeed inserts every fixture row that does not exist yet. Existing rows are left untouched.
func (r *Repo) ApplySeed(ctx context.Context, s *Seed) (SeedResult, error) {
	var res SeedResult

	for _, c := range s.Companies {
		if _, err := r.FindCompanyByName(ctx, c.Name); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return res, err
		}
		if err := r.CreateCompany(ctx, &Company{Name: c.Name, Description: c.Description, IsActive: active(c.Active)}); err != nil {
			return res, fmt.Errorf("seed company %q: %w", c.Name, err)
		}
		res.Created++
	}

	for _, u := range s.Users {
		if !roles.IsValidRole(u.Role) {
			return res, fmt.Errorf("seed user %q: invalid role %q", u.Email, u.Role)
		}
		if _, err := r.FindUserByEmail(ctx, u.Email); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return res, err
		}
		row := &User{Email: u.Email, Role: u.Role, IsActive: active(u.Active)}
		if roles.RequiresOrganization(u.Role) {
			if u.Company == "" {
				return res, fmt.Errorf("seed user %q: role %s requires a company", u.Email, u.Role)
			}
			c, err := r.FindCompanyByName(ctx, u.Company)
			if err != nil {
				return res, fmt.Errorf("seed user %q: company %q: %w", u.Email, u.Company, err)
			}
			row.CompanyID = &c.ID
		}
		if err := r.CreateUser(ctx, row); err != nil {
			return res, fmt.Errorf("seed user %q: %w", u.Email, err)
		}
		res.Created++
	}

	for _, d := range s.Devices {
		if _, err := r.FindDeviceBySensorID(ctx, d.SensorID); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return res, err
		}
		c, err := r.FindCompanyByName(ctx, d.Company)
		if err != nil {
			return res, fmt.Errorf("seed device %q: company %q: %w", d.SensorID, d.Company, err)
		}
		if err := r.CreateDevice(ctx, &Device{Name: d.Name, SensorID: d.SensorID, CompanyID: c.ID, IsActive: active(d.Active)}); err != nil {
			return res, fmt.Errorf("seed device %q: %w", d.SensorID, err)
		}
		res.Created++
	}

	for _, p := range s.Permissions {
		u, err := r.FindUserByEmail(ctx, p.User)
		if err != nil {
			return res, fmt.Errorf("seed permission %s/%s: user: %w", p.User, p.SensorID, err)
		}
		d, err := r.FindDeviceBySensorID(ctx, p.SensorID)
		if err != nil {
			return res, fmt.Errorf("seed permission %s/%s: device: %w", p.User, p.SensorID, err)
		}
		if _, err := r.GrantAccess(ctx, u.ID, d.ID, p.CanManage); err != nil {
			if errors.Is(err, ErrPermissionExists) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("seed permission %s/%s: %w", p.User, p.SensorID, err)
		}
		res.Created++
	}

	slog.Info("directory seed applied", "created", res.Created, "skipped", res.Skipped)
	return res, nil
}
