package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/server/storage"
)

// CreateCompany creates a new company in the storage
func (s *Storage) CreateCompany(ctx context.Context, company *models.Company) error {
	query := `
		INSERT INTO companies (id, name, auth_key_hash, public_salt, created_at, updated_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		company.ID,
		company.Name,
		company.AuthKeyHash,
		company.PublicSalt,
		company.CreatedAt.Unix(),
		company.UpdatedAt.Unix(),
		nullUnix(company.LastLogin),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrCompanyExists
		}
		return fmt.Errorf("failed to insert company: %w", err)
	}

	return nil
}

// GetCompanyByName retrieves company by name
func (s *Storage) GetCompanyByName(ctx context.Context, name string) (*models.Company, error) {
	return s.getCompany(ctx, "name", name)
}

// GetCompanyByID retrieves company by ID
func (s *Storage) GetCompanyByID(ctx context.Context, companyID string) (*models.Company, error) {
	return s.getCompany(ctx, "id", companyID)
}

func (s *Storage) getCompany(ctx context.Context, column, value string) (*models.Company, error) {
	// column только из фиксированного набора выше
	query := `
		SELECT id, name, auth_key_hash, public_salt, created_at, updated_at, last_login
		FROM companies
		WHERE ` + column + ` = ?
	`

	var (
		company              models.Company
		createdAt, updatedAt int64
		lastLogin            sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&company.ID,
		&company.Name,
		&company.AuthKeyHash,
		&company.PublicSalt,
		&createdAt,
		&updatedAt,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCompanyNotFound
		}
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	company.CreatedAt = time.Unix(createdAt, 0).UTC()
	company.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0).UTC()
		company.LastLogin = &t
	}

	return &company, nil
}

// UpdateLastLogin updates the last login timestamp
func (s *Storage) UpdateLastLogin(ctx context.Context, companyID string, lastLogin time.Time) error {
	query := `UPDATE companies SET last_login = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, lastLogin.Unix(), lastLogin.Unix(), companyID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrCompanyNotFound
	}

	return nil
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// без расширенных кодов остается только текст
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}
