package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func memoryConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:          DriverSQLite,
		DSN:             ":memory:",
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(memoryConfig(), nil, &Options{PrepareStmt: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, DriverSQLite, db.Driver())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections)
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil, nil)
	require.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestNew_FileDatabaseUsesWAL(t *testing.T) {
	cfg := memoryConfig()
	cfg.DSN = t.TempDir() + "/catalog.db"

	db, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.DB.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.MaxOpenConnections)
}

func TestDB_Close(t *testing.T) {
	db, err := New(memoryConfig(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestDB_MigrateAndTransaction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	type item struct {
		ID    uint   `gorm:"primarykey"`
		Value string `gorm:"not null"`
	}
	require.NoError(t, db.Migrate(ctx, &item{}))

	require.NoError(t, db.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&item{Value: "kept"}).Error
	}))

	errRollback := errors.New("rollback")
	err := db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&item{Value: "dropped"}).Error; err != nil {
			return err
		}
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)

	var values []string
	require.NoError(t, db.DB.Model(&item{}).Order("id").Pluck("value", &values).Error)
	assert.Equal(t, []string{"kept"}, values)
}

func TestDB_ForeignKeysEnabled(t *testing.T) {
	db := setupTestDB(t)

	var fk int
	require.NoError(t, db.DB.Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	assert.Equal(t, 1, fk)
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{"info", logger.Info},
		{"", logger.Warn},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, gormLogLevel(tt.level))
		})
	}
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	out := truncateSQL(string(long))
	assert.Len(t, out, maxSQLLogLength+len("... (truncated)"))
}
