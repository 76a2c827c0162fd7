// Package config loads service configuration from config.yaml plus PR_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Identity IdentityConfig `mapstructure:"identity"`
	SLA      SLAConfig      `mapstructure:"sla"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnLife time.Duration `mapstructure:"max_conn_lifetime"`
	MaxIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type IdentityConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SLAConfig makes the SLA policy explicit configuration rather than inferred
// constants: per-priority multipliers applied to each rule's sla_hours, and
// the near-due warning threshold.
type SLAConfig struct {
	NearDueHours        float64            `mapstructure:"near_due_hours"`
	PriorityMultipliers map[string]float64 `mapstructure:"priority_multipliers"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml from the working directory or ./configs, then applies
// environment overrides (PR_SERVER_PORT, PR_DATABASE_HOST, ...).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix("PR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults + env must be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-pr-requisitions")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "crm_requisitions")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("identity.base_url", "http://localhost:8081")
	v.SetDefault("identity.timeout", 5*time.Second)

	v.SetDefault("sla.near_due_hours", 4.0)
	v.SetDefault("sla.priority_multipliers", map[string]float64{
		"urgent": 0.5,
		"high":   1.0,
		"normal": 1.0,
		"low":    1.0,
	})

	v.SetDefault("log.level", "info")
}
