package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Sampler     SamplerConfig     `mapstructure:"sampler"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Instance    InstanceConfig    `mapstructure:"instance"`
	Devices     DevicesConfig     `mapstructure:"devices"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Export      ExportConfig      `mapstructure:"export"`
}

// ServerConfig: a port of 0 disables the listener.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ComVisuPort     int           `mapstructure:"comvisu_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionConfig struct {
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxFramingErrors  int           `mapstructure:"max_framing_errors"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	KeepAliveLED      string        `mapstructure:"keepalive_led"`
}

type SamplerConfig struct {
	DefaultSampleRate float64       `mapstructure:"default_sample_rate"`
	MaxReadRetries    int           `mapstructure:"max_read_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

type PersistenceConfig struct {
	ConfigDir       string `mapstructure:"config_dir"`
	LoadUserOnStart bool   `mapstructure:"load_user_on_start"`
	SeedDefaults    bool   `mapstructure:"seed_defaults"`
}

type InstanceConfig struct {
	Lockfile     string        `mapstructure:"lockfile"`
	KillExisting bool          `mapstructure:"kill_existing"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
}

type DevicesConfig struct {
	Layout      string   `mapstructure:"layout"`
	SearchPaths []string `mapstructure:"search_paths"`
	Simulate    bool     `mapstructure:"simulate"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ExportConfig struct {
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	CSV      CSVConfig      `mapstructure:"csv"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Server      string `mapstructure:"server"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	QueueSize   int    `mapstructure:"queue_size"`
}

type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.comvisu_port", 5000)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("session.keepalive_interval", "1s")
	v.SetDefault("session.keepalive_timeout", "10s")
	v.SetDefault("session.max_framing_errors", 10)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.keepalive_led", "RPI5/KeepAliveLED")

	v.SetDefault("sampler.default_sample_rate", 1.0)
	v.SetDefault("sampler.max_read_retries", 3)
	v.SetDefault("sampler.retry_delay", "100ms")
	v.SetDefault("sampler.read_timeout", "2s")

	v.SetDefault("persistence.config_dir", "./data/config")
	v.SetDefault("persistence.load_user_on_start", true)
	v.SetDefault("persistence.seed_defaults", true)

	v.SetDefault("instance.lockfile", "/tmp/measurement_server.lock")
	v.SetDefault("instance.kill_existing", true)
	v.SetDefault("instance.kill_timeout", "5s")

	v.SetDefault("devices.layout", "default")
	v.SetDefault("devices.search_paths", []string{"./configs/layouts"})
	v.SetDefault("devices.simulate", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("export.mqtt.enabled", false)
	v.SetDefault("export.mqtt.server", "tcp://localhost:1883")
	v.SetDefault("export.mqtt.client_id", "measurement-server")
	v.SetDefault("export.mqtt.username", "")
	v.SetDefault("export.mqtt.password", "")
	v.SetDefault("export.mqtt.topic_prefix", "measurement")
	v.SetDefault("export.mqtt.qos", 0)
	v.SetDefault("export.mqtt.queue_size", 1024)

	v.SetDefault("export.csv.enabled", false)
	v.SetDefault("export.csv.dir", "./data/export")
	v.SetDefault("export.csv.prefix", "samples")

	v.SetDefault("export.postgres.enabled", false)
	v.SetDefault("export.postgres.url", "")
	v.SetDefault("export.postgres.host", "localhost")
	v.SetDefault("export.postgres.port", 5432)
	v.SetDefault("export.postgres.database", "measurement")
	v.SetDefault("export.postgres.user", "measurement")
	v.SetDefault("export.postgres.password", "")
	v.SetDefault("export.postgres.max_connections", 4)
	v.SetDefault("export.postgres.batch_size", 500)
	v.SetDefault("export.postgres.flush_interval", "1s")
	v.SetDefault("export.postgres.queue_size", 5000)
}

// Load reads the YAML file at path. A missing file is not an error: the
// defaults apply. Environment variables override both, e.g.
// OMC_SERVER_HTTP_PORT for server.http_port.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// Environment Variables automatisch binden (Viper Feature)
	v.SetEnvPrefix("OMC") // Environment Variables mit Prefix OMC_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
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

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings the components cannot start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"server.http_port":    c.Server.HTTPPort,
		"server.grpc_port":    c.Server.GRPCPort,
		"server.comvisu_port": c.Server.ComVisuPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid config: %s %d out of range", name, port)
		}
	}
	if c.Session.KeepAliveInterval <= 0 {
		return fmt.Errorf("invalid config: session.keepalive_interval must be positive")
	}
	if c.Session.KeepAliveTimeout <= c.Session.KeepAliveInterval {
		return fmt.Errorf("invalid config: session.keepalive_timeout must exceed keepalive_interval")
	}
	if c.Sampler.DefaultSampleRate <= 0 {
		return fmt.Errorf("invalid config: sampler.default_sample_rate must be positive")
	}
	if c.Sampler.MaxReadRetries < 0 {
		return fmt.Errorf("invalid config: sampler.max_read_retries must not be negative")
	}
	if c.Persistence.ConfigDir == "" {
		return fmt.Errorf("invalid config: persistence.config_dir is required")
	}
	if c.Instance.Lockfile == "" {
		return fmt.Errorf("invalid config: instance.lockfile is required")
	}
	if c.Export.MQTT.QoS < 0 || c.Export.MQTT.QoS > 2 {
		return fmt.Errorf("invalid config: export.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
