package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
governance:
  max_active_proposals: 5
  review_delay: 1h
  voting_period: 48h
auth:
  jwt_secret: s3cret
  session_timeout: 30m
monitor:
  scan_schedule: "@every 10s"
  max_rapid_votes: 20
database:
  driver: sqlite
  data_dir: /tmp/gov
p2p:
  enabled: true
  port: 9001
  bootstrap_peers:
    - /ip4/127.0.0.1/tcp/9002/p2p/12D3KooWExample
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	// Test successful config loading
	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		// Verify loaded values
		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 5, cfg.Governance.MaxActiveProposals)
		assert.Equal(t, time.Hour, cfg.Governance.ReviewDelay)
		assert.Equal(t, 48*time.Hour, cfg.Governance.VotingPeriod)
		assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTimeout)
		assert.Equal(t, "@every 10s", cfg.Monitor.ScanSchedule)
		assert.Equal(t, 20, cfg.Monitor.MaxRapidVotes)
		assert.Equal(t, DriverSQLite, cfg.Database.Driver)
		assert.True(t, cfg.P2P.Enabled)
		assert.Equal(t, 9001, cfg.P2P.Port)
		assert.Len(t, cfg.P2P.BootstrapPeers, 1)

		// Untouched sections keep their defaults
		assert.Equal(t, time.Second, cfg.Monitor.RapidVoteWindow)
		assert.InDelta(t, 2.0/3.0, cfg.Governance.DefaultConsensusThreshold, 1e-9)
	})

	// Test environment variable override
	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Setenv("GOV_LOG_LEVEL", "error")
		t.Setenv("GOV_GOVERNANCE_MAX_ACTIVE_PROPOSALS", "7")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, 7, cfg.Governance.MaxActiveProposals)
	})

	// Test invalid config file
	t.Run("InvalidConfig", func(t *testing.T) {
		invalidPath := filepath.Join(tmpDir, "invalid.yaml")
		err := os.WriteFile(invalidPath, []byte("invalid: [yaml: syntax"), 0644)
		require.NoError(t, err)

		cfg, err := Load(invalidPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	// Test missing config file falls back to defaults
	t.Run("DefaultValues", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		// Check default values
		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, DriverMemory, cfg.Database.Driver)
		assert.Equal(t, 50, cfg.Governance.MaxActiveProposals)
		assert.Equal(t, 24*time.Hour, cfg.Governance.ReviewDelay)
		assert.Equal(t, 7*24*time.Hour, cfg.Governance.VotingPeriod)
		assert.Equal(t, time.Hour, cfg.Monitor.SybilWindow)
	})

	t.Run("ProductionNeedsSecret", func(t *testing.T) {
		t.Setenv("GOV_ENVIRONMENT", "production")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		wantErr      bool
		errSubstr    string
	}{
		{
			name:         "ValidConfig",
			modifyConfig: func(c *Config) {},
			wantErr:      false,
		},
		{
			name: "InvalidPort",
			modifyConfig: func(c *Config) {
				c.P2P.Enabled = true
				c.P2P.Port = -1
			},
			wantErr:   true,
			errSubstr: "invalid port number",
		},
		{
			name: "DisabledP2PIgnoresPort",
			modifyConfig: func(c *Config) {
				c.P2P.Enabled = false
				c.P2P.Port = -1
			},
			wantErr: false,
		},
		{
			name: "MDNSWithoutServiceTag",
			modifyConfig: func(c *Config) {
				c.P2P.Enabled = true
				c.P2P.MDNS = true
				c.P2P.ServiceTag = ""
			},
			wantErr:   true,
			errSubstr: "service_tag",
		},
		{
			name: "ZeroCapacity",
			modifyConfig: func(c *Config) {
				c.Governance.MaxActiveProposals = 0
			},
			wantErr:   true,
			errSubstr: "max_active_proposals",
		},
		{
			name: "ThresholdBelowByzantineBound",
			modifyConfig: func(c *Config) {
				c.Governance.DefaultConsensusThreshold = 0.5
			},
			wantErr:   true,
			errSubstr: "default_consensus_threshold",
		},
		{
			name: "InvalidTolerance",
			modifyConfig: func(c *Config) {
				c.Governance.ByzantineTolerance = 0.6
			},
			wantErr:   true,
			errSubstr: "byzantine_tolerance",
		},
		{
			name: "InvalidSybilFraction",
			modifyConfig: func(c *Config) {
				c.Monitor.SybilFraction = 1.5
			},
			wantErr:   true,
			errSubstr: "sybil_fraction",
		},
		{
			name: "UnknownDriver",
			modifyConfig: func(c *Config) {
				c.Database.Driver = "oracle"
			},
			wantErr:   true,
			errSubstr: "unknown driver",
		},
		{
			name: "PostgresNeedsURL",
			modifyConfig: func(c *Config) {
				c.Database.Driver = DriverPostgres
				c.Database.URL = ""
			},
			wantErr:   true,
			errSubstr: "database URL cannot be empty",
		},
		{
			name: "NegativeRetries",
			modifyConfig: func(c *Config) {
				c.Scheduler.RetryAttempts = -1
			},
			wantErr:   true,
			errSubstr: "cannot be negative",
		},
		{
			name: "MetricsWithoutAddress",
			modifyConfig: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddr = ""
			},
			wantErr:   true,
			errSubstr: "listen_addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()

			tt.modifyConfig(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errSubstr != "" {
					assert.Contains(t, err.Error(), tt.errSubstr)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  string
		wantLevel string
	}{
		{
			name:      "Debug",
			logLevel:  "debug",
			wantLevel: "debug",
		},
		{
			name:      "Warn",
			logLevel:  "WARN",
			wantLevel: "warn",
		},
		{
			name:      "Error",
			logLevel:  "error",
			wantLevel: "error",
		},
		{
			name:      "Invalid",
			logLevel:  "invalid",
			wantLevel: "info", // defaults to info
		},
		{
			name:      "Empty",
			logLevel:  "",
			wantLevel: "info", // defaults to info
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}
			level := cfg.GetLogLevel()
			assert.Equal(t, tt.wantLevel, level.String())
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "development"}).IsDevelopment())
	assert.True(t, (&Config{Environment: "DEVELOPMENT"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
	assert.False(t, (&Config{}).IsDevelopment())
}
