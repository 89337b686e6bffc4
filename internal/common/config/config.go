package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/clinicpush/pkg/helper"
	"github.com/amoylab/clinicpush/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// ServerConfig represents the realtime hub server configuration
	ServerConfig struct {
		Port      int             `yaml:"port"`
		Logger    LoggerConfig    `yaml:"logger"`
		Auth      AuthConfig      `yaml:"auth"`
		Hub       HubConfig       `yaml:"hub"`
		Admission AdmissionConfig `yaml:"admission"`
		Metrics   MetricsConfig   `yaml:"metrics"`
		Internal  InternalConfig  `yaml:"internal"`
		Tracing   trace.Config    `yaml:"tracing"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// AuthConfig holds the bearer credential settings
	AuthConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"` // lifetime of issued credentials
	}

	// HubConfig tunes the connection lifecycle
	HubConfig struct {
		Path              string        `yaml:"path"`                // websocket route, default /ws
		AuthTimeout       time.Duration `yaml:"auth_timeout"`        // grace period for the handshake
		PingInterval      time.Duration `yaml:"ping_interval"`       // liveness probe period
		PongTimeout       time.Duration `yaml:"pong_timeout"`        // max silence before eviction
		WriteTimeout      time.Duration `yaml:"write_timeout"`       // per-frame write deadline
		SendBuffer        int           `yaml:"send_buffer"`         // per-session outbound queue depth
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`   // inbound frame limit
		TrustForwardedFor bool          `yaml:"trust_forwarded_for"` // use X-Forwarded-For as origin
		AllowedOrigins    []string      `yaml:"allowed_origins"`     // empty allows any Origin header
	}

	// AdmissionConfig bounds connection attempts per network origin
	AdmissionConfig struct {
		Type        string               `yaml:"type"` // memory or redis
		MaxAttempts int                  `yaml:"max_attempts"`
		Window      time.Duration        `yaml:"window"`
		Redis       AdmissionRedisConfig `yaml:"redis"`
	}

	// AdmissionRedisConfig represents the Redis configuration for shared admission counters
	AdmissionRedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, cluster, sentinel
		Addr        string `yaml:"addr"`         // multiple addresses separated by ; or ,
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"`
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Path      string    `yaml:"path"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// InternalConfig guards the producer endpoint used by other services
	InternalConfig struct {
		NotifyToken string `yaml:"notify_token"`
	}
)

type Type interface {
	ServerConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	if srvCfg, ok := any(&cfg).(*ServerConfig); ok {
		srvCfg.SetDefaults()
	}

	return &cfg, cfgPath, nil
}

// SetDefaults fills zero values with the production defaults
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5236
	}
	if c.Auth.Duration <= 0 {
		c.Auth.Duration = 12 * time.Hour
	}
	c.Hub.SetDefaults()
	c.Admission.SetDefaults()
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "clinicpush"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "clinicpush"
	}
}

// SetDefaults fills zero values of the hub settings
func (c *HubConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
}

// SetDefaults fills zero values of the admission settings
func (c *AdmissionConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "memory"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 50
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "clinicpush:admission"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
