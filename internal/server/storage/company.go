package storage

import (
	"context"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

// CompanyStorage defines interface for company persistence
type CompanyStorage interface {
	// CreateCompany creates a new company
	// Returns ErrCompanyExists if the name is taken
	CreateCompany(ctx context.Context, company *models.Company) error

	// GetCompanyByName retrieves company by its name
	// Returns ErrCompanyNotFound if company doesn't exist
	GetCompanyByName(ctx context.Context, name string) (*models.Company, error)

	// GetCompanyByID retrieves company by ID
	// Returns ErrCompanyNotFound if company doesn't exist
	GetCompanyByID(ctx context.Context, companyID string) (*models.Company, error)

	// UpdateLastLogin updates the last login timestamp
	UpdateLastLogin(ctx context.Context, companyID string, lastLogin time.Time) error
}

// DeviceStorage defines interface for company devices
type DeviceStorage interface {
	// RegisterDevice records device on login; repeated calls only update last seen
	RegisterDevice(ctx context.Context, companyID, deviceID string, now time.Time) error

	// TouchDevice moves device pulled cursor forward (never back) and updates last seen
	// Returns ErrDeviceNotFound if device was never registered
	TouchDevice(ctx context.Context, companyID, deviceID string, cursor int64, now time.Time) error

	// ListDevices returns all devices of the company ordered by device ID
	ListDevices(ctx context.Context, companyID string) ([]*models.Device, error)
}
