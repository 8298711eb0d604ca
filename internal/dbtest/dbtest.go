// Package dbtest opens throwaway SQLite databases and inserts fixtures for
// package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/db"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Open returns a migrated database in a temp dir, closed on test cleanup.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenStore(t).Gorm
}

// OpenStore is Open for callers that need the Store itself.
func OpenStore(t testing.TB) *db.Store {
	t.Helper()
	store, err := db.Open(context.Background(), &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "fleetd.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func Distributor(t testing.TB, gdb *gorm.DB, name string) *model.Distributor {
	t.Helper()
	d := &model.Distributor{Name: name, IsActive: true}
	require.NoError(t, gdb.Create(d).Error)
	return d
}

func Workshop(t testing.TB, gdb *gorm.DB, name string, distributorID *string, active bool) *model.Workshop {
	t.Helper()
	w := &model.Workshop{Name: name, ParentDistributorID: distributorID, IsActive: active}
	require.NoError(t, gdb.Create(w).Error)
	return w
}

// User inserts an active, verified customer; mutate adjusts it first.
func User(t testing.TB, gdb *gorm.DB, email string, mutate func(*model.User)) *model.User {
	t.Helper()
	u := &model.User{
		Email:      email,
		UserLevel:  "user",
		Roles:      model.StringSlice{"customer"},
		IsActive:   true,
		IsVerified: true,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, gdb.Create(u).Error)
	return u
}

func Scooter(t testing.TB, gdb *gorm.DB, serial string, distributorID *string) *model.Scooter {
	t.Helper()
	s := &model.Scooter{ZydSerial: serial, DistributorID: distributorID, Status: model.ScooterActive}
	require.NoError(t, gdb.Create(s).Error)
	return s
}

// Own registers scooter to user at the given time.
func Own(t testing.TB, gdb *gorm.DB, userID, scooterID string, at time.Time) {
	t.Helper()
	require.NoError(t, gdb.Create(&model.UserScooter{UserID: userID, ScooterID: scooterID, RegisteredAt: at}).Error)
}

func Job(t testing.TB, gdb *gorm.DB, scooterID, workshopID, customerID, status string) *model.ServiceJob {
	t.Helper()
	j := &model.ServiceJob{
		ScooterID:        scooterID,
		WorkshopID:       workshopID,
		CustomerID:       customerID,
		Status:           status,
		IssueDescription: "brake noise",
		PartsUsed:        model.StringSlice{},
		BookedDate:       time.Now(),
	}
	require.NoError(t, gdb.Create(j).Error)
	return j
}
