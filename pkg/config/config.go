package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Database drivers understood by database.Service
const (
	DriverMemory           = "memory"
	DriverSQLite           = "sqlite"
	DriverPostgres         = "postgres"
	DriverEmbeddedPostgres = "embedded-postgres"
)

// Config holds all configuration settings for the governance engine
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFile     string           `mapstructure:"log_file"`
	Governance  GovernanceConfig `mapstructure:"governance"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Monitor     MonitorConfig    `mapstructure:"monitor"`
	Database    DatabaseConfig   `mapstructure:"database"`
	P2P         P2PConfig        `mapstructure:"p2p"`
	Scheduler   SchedConfig      `mapstructure:"scheduler"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
}

// GovernanceConfig holds proposal and consensus parameters
type GovernanceConfig struct {
	MaxActiveProposals        int           `mapstructure:"max_active_proposals"`
	ReviewDelay               time.Duration `mapstructure:"review_delay"`
	VotingPeriod              time.Duration `mapstructure:"voting_period"`
	ByzantineTolerance        float64       `mapstructure:"byzantine_tolerance"`
	DefaultConsensusThreshold float64       `mapstructure:"default_consensus_threshold"`
	TickSchedule              string        `mapstructure:"tick_schedule"`
	InactivityPeriod          time.Duration `mapstructure:"inactivity_period"`
	DecaySchedule             string        `mapstructure:"decay_schedule"`
}

// AuthConfig holds session settings
type AuthConfig struct {
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTSalt        string        `mapstructure:"jwt_salt"`
	ChallengeTTL   time.Duration `mapstructure:"challenge_ttl"`
}

// MonitorConfig holds security scan settings
type MonitorConfig struct {
	ScanSchedule          string        `mapstructure:"scan_schedule"`
	RapidVoteWindow       time.Duration `mapstructure:"rapid_vote_window"`
	MaxRapidVotes         int           `mapstructure:"max_rapid_votes"`
	SybilWindow           time.Duration `mapstructure:"sybil_window"`
	SybilFraction         float64       `mapstructure:"sybil_fraction"`
	SybilMinRegistrations int           `mapstructure:"sybil_min_registrations"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver   string        `mapstructure:"driver"`
	URL      string        `mapstructure:"url"`
	DataDir  string        `mapstructure:"data_dir"`
	Port     uint32        `mapstructure:"port"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// P2PConfig holds P2P network related configuration
type P2PConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenHost     string   `mapstructure:"listen_host"`
	Port           int      `mapstructure:"port"`
	KeyFile        string   `mapstructure:"key_file"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	Topics         []string `mapstructure:"topics"`
	MDNS           bool     `mapstructure:"mdns"`
	ServiceTag     string   `mapstructure:"service_tag"`
}

// SchedConfig holds scheduler related configuration
type SchedConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads the configuration file and environment variables. An empty or
// missing path falls back to defaults and GOV_ environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, will rely on defaults and env vars
		}
	}

	// Override with environment variables
	v.SetEnvPrefix("GOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "logs/governance.log")

	// Governance defaults
	v.SetDefault("governance.max_active_proposals", 50)
	v.SetDefault("governance.review_delay", "24h")
	v.SetDefault("governance.voting_period", "168h")
	v.SetDefault("governance.byzantine_tolerance", 1.0/3.0)
	v.SetDefault("governance.default_consensus_threshold", 2.0/3.0)
	v.SetDefault("governance.tick_schedule", "@every 1m")
	v.SetDefault("governance.inactivity_period", "720h")
	v.SetDefault("governance.decay_schedule", "@daily")

	// Auth defaults
	v.SetDefault("auth.session_timeout", "1h")
	v.SetDefault("auth.sweep_schedule", "@every 5m")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_salt", "governance-session")
	v.SetDefault("auth.challenge_ttl", "2m")

	// Monitor defaults
	v.SetDefault("monitor.scan_schedule", "@every 30s")
	v.SetDefault("monitor.rapid_vote_window", "1s")
	v.SetDefault("monitor.max_rapid_votes", 10)
	v.SetDefault("monitor.sybil_window", "1h")
	v.SetDefault("monitor.sybil_fraction", 0.3)
	v.SetDefault("monitor.sybil_min_registrations", 10)

	// Database defaults
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.url", "")
	v.SetDefault("database.data_dir", "data")
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")

	// P2P defaults
	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.listen_host", "0.0.0.0")
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.key_file", "")
	v.SetDefault("p2p.bootstrap_peers", []string{})
	v.SetDefault("p2p.topics", []string{"governance/votes", "governance/rounds"})
	v.SetDefault("p2p.mdns", false)
	v.SetDefault("p2p.service_tag", "_governance-engine._udp")

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "1s")
	v.SetDefault("scheduler.task_timeout", "1m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9102")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateGovernance(); err != nil {
		return fmt.Errorf("governance config: %w", err)
	}

	if err := c.validateAuth(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.validateMonitor(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}

	// Validate Database configuration
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	// Validate P2P configuration
	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}

	// Validate Scheduler configuration
	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics config: listen_addr cannot be empty")
	}

	return nil
}

func (c *Config) validateGovernance() error {
	g := c.Governance
	if g.MaxActiveProposals <= 0 {
		return fmt.Errorf("max_active_proposals must be positive")
	}
	if g.ReviewDelay < 0 {
		return fmt.Errorf("review_delay cannot be negative")
	}
	if g.VotingPeriod <= 0 {
		return fmt.Errorf("voting_period must be positive")
	}
	if g.InactivityPeriod <= 0 {
		return fmt.Errorf("inactivity_period must be positive")
	}
	if g.ByzantineTolerance <= 0 || g.ByzantineTolerance >= 0.5 {
		return fmt.Errorf("byzantine_tolerance must be between 0 and 0.5")
	}
	// Thresholds under 1-f let an adversarial fraction f decide alone
	if g.DefaultConsensusThreshold < 1-g.ByzantineTolerance-1e-9 || g.DefaultConsensusThreshold > 0.95 {
		return fmt.Errorf("default_consensus_threshold must be between 1-byzantine_tolerance and 0.95")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive")
	}
	if c.Auth.ChallengeTTL <= 0 {
		return fmt.Errorf("challenge_ttl must be positive")
	}
	if c.Auth.JWTSalt == "" {
		return fmt.Errorf("jwt_salt cannot be empty")
	}
	if c.Environment == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required in production")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	if m.RapidVoteWindow <= 0 {
		return fmt.Errorf("rapid_vote_window must be positive")
	}
	if m.MaxRapidVotes <= 0 {
		return fmt.Errorf("max_rapid_votes must be positive")
	}
	if m.SybilWindow <= 0 {
		return fmt.Errorf("sybil_window must be positive")
	}
	if m.SybilFraction <= 0 || m.SybilFraction > 1 {
		return fmt.Errorf("sybil_fraction must be between 0 and 1")
	}
	if m.SybilMinRegistrations < 0 {
		return fmt.Errorf("sybil_min_registrations cannot be negative")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database URL cannot be empty")
		}
	case DriverEmbeddedPostgres:
		if c.Database.DataDir == "" {
			return fmt.Errorf("data_dir cannot be empty")
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Database.Driver)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if !c.P2P.Enabled {
		return nil
	}
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if len(c.P2P.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	if c.P2P.MDNS && c.P2P.ServiceTag == "" {
		return fmt.Errorf("service_tag is required when mdns is enabled")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}

	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
