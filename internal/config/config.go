package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Session     SessionConfig        `mapstructure:"session"`
	Database    DatabaseConfig       `mapstructure:"database"`
	Auth        AuthConfig           `mapstructure:"auth"`
	Events      EventsConfig         `mapstructure:"events"`
	Discovery   DiscoveryConfig      `mapstructure:"discovery"`
	Devices     []types.DeviceConfig `mapstructure:"devices"`
	DeviceFiles DeviceFilesConfig    `mapstructure:"device_files"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SessionConfig is the retry and fault policy applied to every device.
type SessionConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	Retries           int           `mapstructure:"retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	FaultAfter        int           `mapstructure:"fault_after"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	JWTSecretEnv   string           `mapstructure:"jwt_secret_env"`
	Issuer         string           `mapstructure:"issuer"`
	AccessTokenTTL time.Duration    `mapstructure:"access_token_ttl"`
	APITokens      []APITokenConfig `mapstructure:"api_tokens"`
}

// APITokenConfig is a static token for scripts. Hash is the argon2id
// encoding printed by `discover --hash-token`.
type APITokenConfig struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
	Role string `mapstructure:"role"`
}

type EventsConfig struct {
	JournalPath string     `mapstructure:"journal_path"`
	MQTT        MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type DiscoveryConfig struct {
	MDNS     bool   `mapstructure:"mdns"`
	Instance string `mapstructure:"instance"`
}

type DeviceFilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// Load reads the YAML file at path. An empty path uses defaults and the
// environment only. Every key can be overridden by OLC_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables mit Prefix OLC_
	v.SetEnvPrefix("OLC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("session.timeout", "1s")
	v.SetDefault("session.retries", 3)
	v.SetDefault("session.retry_backoff", "50ms")
	v.SetDefault("session.fault_after", 3)
	v.SetDefault("session.keepalive_interval", "0s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openlabcore")
	v.SetDefault("database.user", "openlabcore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.issuer", "openlabcore")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("events.journal_path", "")
	v.SetDefault("events.mqtt.enabled", false)
	v.SetDefault("events.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("events.mqtt.client_id", "openlabcore")
	v.SetDefault("events.mqtt.username", "")
	v.SetDefault("events.mqtt.password", "")
	v.SetDefault("events.mqtt.topic_prefix", "labcore")
	v.SetDefault("events.mqtt.qos", 1)

	v.SetDefault("discovery.mdns", false)
	v.SetDefault("discovery.instance", "openlabcore")

	v.SetDefault("device_files.search_paths", []string{})
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort)
	}
	if c.Session.Retries < 0 {
		return fmt.Errorf("session.retries must not be negative")
	}
	if c.Session.FaultAfter < 0 {
		return fmt.Errorf("session.fault_after must not be negative")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive")
	}
	if c.Events.MQTT.QoS < 0 || c.Events.MQTT.QoS > 2 {
		return fmt.Errorf("events.mqtt.qos must be 0, 1 or 2")
	}
	for _, t := range c.Auth.APITokens {
		if t.Name == "" || t.Hash == "" {
			return fmt.Errorf("auth.api_tokens entries need name and hash")
		}
	}
	return nil
}

// SessionOptions converts the session section for the device manager.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Timeout:           c.Session.Timeout,
		Retries:           c.Session.Retries,
		RetryBackoff:      c.Session.RetryBackoff,
		FaultAfter:        c.Session.FaultAfter,
		KeepaliveInterval: c.Session.KeepaliveInterval,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
