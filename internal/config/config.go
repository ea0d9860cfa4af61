package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Auth          AuthConfig         `yaml:"auth"`
	Collaborators CollaboratorConfig `yaml:"collaborators"`
	Database      DatabaseConfig     `yaml:"database"`
	Backplane     BackplaneConfig    `yaml:"backplane"`
	Tournament    TournamentConfig   `yaml:"tournament"`
	Log           LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP and WebSocket settings
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	HTTPPort          int           `yaml:"http_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MessageRate       float64       `yaml:"message_rate"`
	MessageBurst      int           `yaml:"message_burst"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// AuthConfig holds identity token settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// CollaboratorConfig points at the profile and relationship services
type CollaboratorConfig struct {
	UsersURL     string        `yaml:"users_url"`
	RelationsURL string        `yaml:"relations_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackplaneConfig holds cross-instance delivery settings
type BackplaneConfig struct {
	NATSURL        string        `yaml:"nats_url"`
	Embedded       bool          `yaml:"embedded"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Enabled reports whether a backplane should be started
func (b BackplaneConfig) Enabled() bool {
	return b.Embedded || b.NATSURL != ""
}

// TournamentConfig holds tournament housekeeping settings
type TournamentConfig struct {
	InactiveAfter time.Duration `yaml:"inactive_after"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 4096
	}
	if cfg.Server.MessageRate == 0 {
		cfg.Server.MessageRate = 20
	}
	if cfg.Server.MessageBurst == 0 {
		cfg.Server.MessageBurst = 40
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 256
	}

	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	if cfg.Collaborators.Timeout == 0 {
		cfg.Collaborators.Timeout = 5 * time.Second
	}
	// Note: Database.Path intentionally has no default - empty disables persistence

	if cfg.Backplane.SubjectPrefix == "" {
		cfg.Backplane.SubjectPrefix = "pong"
	}
	if cfg.Backplane.RequestTimeout == 0 {
		cfg.Backplane.RequestTimeout = 250 * time.Millisecond
	}

	if cfg.Tournament.InactiveAfter == 0 {
		cfg.Tournament.InactiveAfter = time.Hour
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (cfg *Config) validate() error {
	if cfg.Server.HeartbeatInterval < 0 {
		return fmt.Errorf("server.heartbeat_interval must be positive")
	}
	if cfg.Server.MessageRate < 0 || cfg.Server.MessageBurst < 0 {
		return fmt.Errorf("server.message_rate and server.message_burst must not be negative")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}
