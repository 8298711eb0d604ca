// Package seed creates a default manufacturer admin on first boot when the
// users table is empty.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
	"gorm.io/gorm"
)

// AdminOptions configures the seed admin user.
type AdminOptions struct {
	Email    string
	Password string // if empty, a random password is generated
}

// EnsureAdmin creates a seed admin if no users exist and returns the
// password it used. An existing database is left untouched and "" is
// returned. Safe to call on every startup.
func EnsureAdmin(ctx context.Context, db *gorm.DB, hasher *auth.Hasher, opts AdminOptions, log *slog.Logger) (string, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" {
		return "", errors.New("seed admin email is required")
	}

	var count int64
	if err := db.WithContext(ctx).Model(&model.User{}).Count(&count).Error; err != nil {
		return "", fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Info("users present, skipping seed admin")
		return "", nil
	}

	password := opts.Password
	if password == "" {
		var err error
		password, err = generatePassword()
		if err != nil {
			return "", fmt.Errorf("generate seed password: %w", err)
		}
		// Print the generated password to stdout exactly once.
		fmt.Printf("[fleetd] seed admin password: %s\n", password)
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hash seed password: %w", err)
	}
	u := &model.User{
		Email:        email,
		FirstName:    "Seed",
		LastName:     "Admin",
		PasswordHash: hash,
		UserLevel:    authz.LegacyLevel(authz.ManufacturerAdmin),
		Roles:        model.StringSlice{string(authz.ManufacturerAdmin)},
		IsActive:     true,
		IsVerified:   true,
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		return "", fmt.Errorf("insert seed admin: %w", err)
	}

	log.Info("seed admin created", "email", email)
	return password, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
