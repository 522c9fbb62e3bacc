// Package config loads perimeter settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kubilitics/kubilitics-perimeter/internal/audit"
	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
)

// EnvPrefix is prepended to every environment override, e.g. PERIMETER_SERVER_PORT.
const EnvPrefix = "PERIMETER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	WAF       WAFConfig       `mapstructure:"waf"`
	Headers   HeadersConfig   `mapstructure:"headers"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"` // inspected and accepted request body cap
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Store       string            `mapstructure:"store"` // memory or redis
	RedisURL    string            `mapstructure:"redis_url"`
	RedisPrefix string            `mapstructure:"redis_prefix"`
	Presets     ratelimit.Presets `mapstructure:"presets"`
}

type WAFConfig struct {
	Allowlist          []string `mapstructure:"allowlist"`
	Denylist           []string `mapstructure:"denylist"`
	BlockedAgents      []string `mapstructure:"blocked_agents"`
	AutoBlockThreshold int      `mapstructure:"auto_block_threshold"` // 0 disables
	OffenderCapacity   int      `mapstructure:"offender_capacity"`
	PolicyFile         string   `mapstructure:"policy_file"`
}

type HeadersConfig struct {
	CSPConnectSrc []string `mapstructure:"csp_connect_src"`
	HSTS          bool     `mapstructure:"hsts"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MonitorConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	Retention time.Duration `mapstructure:"retention"`
}

type UploadConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig selects the event repository. An empty DSN disables persistence.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AlertConfig struct {
	WebhookURL    string  `mapstructure:"webhook_url"`
	WebhookFormat string  `mapstructure:"webhook_format"`
	AMQPURL       string  `mapstructure:"amqp_url"`
	AMQPExchange  string  `mapstructure:"amqp_exchange"`
	PerMinute     float64 `mapstructure:"per_minute"`
	Burst         int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	Protocol     string  `mapstructure:"protocol"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

type AuditConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	audit.Config `mapstructure:",squash"`
}

// AdminConfig guards /api/v1/security. Without a token the admin API refuses every call.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// RegisterFlags adds the command-line overrides understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the perimeter config file")
	fs.Int("port", 0, "listen port (overrides server.port)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
}

var flagKeys = map[string]string{
	"port":      "server.port",
	"log-level": "log.level",
}

// Load reads configuration. Precedence: changed flags, environment, file, defaults.
// The file is --config when set, else perimeter.yaml in . or /etc/kubilitics-perimeter/.
// A missing default file is not an error; a missing explicit file is.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("perimeter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kubilitics-perimeter/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.RateLimit.Presets = cfg.RateLimit.Presets.Named()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ratelimit.store", "memory")
	v.SetDefault("ratelimit.redis_url", "")
	v.SetDefault("ratelimit.redis_prefix", "perimeter:rl:")
	for _, p := range ratelimit.DefaultPresets().All() {
		v.SetDefault("ratelimit.presets."+p.Name+".max_requests", p.MaxRequests)
		v.SetDefault("ratelimit.presets."+p.Name+".window", p.Window)
	}

	v.SetDefault("waf.allowlist", []string{})
	v.SetDefault("waf.denylist", []string{})
	v.SetDefault("waf.blocked_agents", []string{})
	v.SetDefault("waf.auto_block_threshold", 20)
	v.SetDefault("waf.offender_capacity", 10000)
	v.SetDefault("waf.policy_file", "")

	v.SetDefault("headers.csp_connect_src", []string{})
	v.SetDefault("headers.hsts", true)
	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("monitor.max_events", 10000)
	v.SetDefault("monitor.retention", 7*24*time.Hour)

	v.SetDefault("upload.dir", "./uploads")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.webhook_format", "json")
	v.SetDefault("alert.amqp_url", "")
	v.SetDefault("alert.amqp_exchange", "perimeter.alerts")
	v.SetDefault("alert.per_minute", 30)
	v.SetDefault("alert.burst", 10)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.protocol", "http")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.service_name", "kubilitics-perimeter")

	ad := audit.DefaultConfig()
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", ad.Path)
	v.SetDefault("audit.max_size_mb", ad.MaxSizeMB)
	v.SetDefault("audit.max_backups", ad.MaxBackups)
	v.SetDefault("audit.max_age_days", ad.MaxAgeDays)
	v.SetDefault("audit.compress", ad.Compress)

	v.SetDefault("admin.token", "")
}
