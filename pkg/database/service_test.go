package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
)

func TestServiceDrivers(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		check  func(t *testing.T, repo data.Repository)
	}{
		{
			name:   "Memory",
			driver: config.DriverMemory,
			check: func(t *testing.T, repo data.Repository) {
				assert.IsType(t, &data.MemoryRepository{}, repo)
			},
		},
		{
			name:   "SQLite",
			driver: config.DriverSQLite,
			check: func(t *testing.T, repo data.Repository) {
				assert.IsType(t, &data.SQLiteRepository{}, repo)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.DatabaseConfig{
				Driver:   tt.driver,
				DataDir:  t.TempDir(),
				MaxConns: 2,
				Timeout:  10 * time.Second,
			}
			svc, err := NewService(cfg, zaptest.NewLogger(t))
			require.NoError(t, err)

			ctx := context.Background()
			require.NoError(t, svc.Start(ctx))
			assert.True(t, svc.IsRunning())
			assert.Error(t, svc.Start(ctx))

			repo := svc.GetRepository()
			require.NotNil(t, repo)
			tt.check(t, repo)

			_, err = repo.ListRounds(ctx)
			assert.NoError(t, err)

			require.NoError(t, svc.Stop(ctx))
			assert.False(t, svc.IsRunning())
			assert.NoError(t, svc.Stop(ctx))
		})
	}
}

func TestServiceUnknownDriver(t *testing.T) {
	svc, err := NewService(&config.DatabaseConfig{Driver: "oracle", Timeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, svc.Start(context.Background()))
	assert.False(t, svc.IsRunning())
}

func TestNewServiceRequiresConfig(t *testing.T) {
	_, err := NewService(nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
