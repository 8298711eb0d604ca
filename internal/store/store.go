// Package store holds the record-store primitives shared by services:
// uniqueness-conflict detection, insert-or-fetch and pagination.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// IsUniqueViolation reports whether err is a uniqueness-constraint failure
// from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// InsertOrFetch inserts row. If the insert loses a uniqueness race, the row
// matching key is read back into row and created is false. Any other
// failure is returned unchanged in meaning.
//
// Must not be called inside a Postgres transaction: the failed insert would
// abort it.
func InsertOrFetch[T any](ctx context.Context, db *gorm.DB, row *T, key map[string]any) (created bool, err error) {
	err = db.WithContext(ctx).Create(row).Error
	if err == nil {
		return true, nil
	}
	if !IsUniqueViolation(err) {
		return false, fmt.Errorf("insert: %w", err)
	}
	var existing T
	if err := db.WithContext(ctx).Where(key).First(&existing).Error; err != nil {
		return false, fmt.Errorf("fetch after conflict: %w", err)
	}
	*row = existing
	return false, nil
}

// Paginate clamps limit/offset and returns a GORM scope applying them.
func Paginate(limit, offset int) func(*gorm.DB) *gorm.DB {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit).Offset(offset)
	}
}
