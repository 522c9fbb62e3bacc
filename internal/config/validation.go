package config

import (
	"fmt"
	"net/url"

	"github.com/kubilitics/kubilitics-perimeter/internal/alert"
	"github.com/kubilitics/kubilitics-perimeter/internal/waf"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate reports every invalid setting, not just the first.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes", "must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "must be > 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format", "invalid format '%s', must be json or console", c.Log.Format)
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			add("ratelimit.redis_url", "redis_url is required when store is redis")
		}
	default:
		add("ratelimit.store", "invalid store '%s', must be memory or redis", c.RateLimit.Store)
	}
	for _, p := range c.RateLimit.Presets.All() {
		if err := p.Validate(); err != nil {
			add("ratelimit.presets."+p.Name, "%v", err)
		}
	}

	for _, e := range c.WAF.Allowlist {
		if err := waf.ValidEntry(e); err != nil {
			add("waf.allowlist", "%v", err)
		}
	}
	for _, e := range c.WAF.Denylist {
		if err := waf.ValidEntry(e); err != nil {
			add("waf.denylist", "%v", err)
		}
	}
	if c.WAF.AutoBlockThreshold < 0 {
		add("waf.auto_block_threshold", "must be >= 0, got %d", c.WAF.AutoBlockThreshold)
	}

	if c.Monitor.MaxEvents <= 0 {
		add("monitor.max_events", "must be > 0")
	}
	if c.Monitor.Retention <= 0 {
		add("monitor.retention", "must be > 0")
	}
	if c.Upload.Dir == "" {
		add("upload.dir", "upload directory is required")
	}

	if c.Database.DSN != "" && c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		add("database.driver", "invalid database driver '%s', must be one of: sqlite, postgres", c.Database.Driver)
	}

	if c.Alert.WebhookURL != "" {
		if u, err := url.Parse(c.Alert.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("alert.webhook_url", "must be an http(s) URL")
		}
	}
	if c.Alert.WebhookFormat != alert.FormatJSON && c.Alert.WebhookFormat != alert.FormatSlack {
		add("alert.webhook_format", "invalid format '%s', must be json or slack", c.Alert.WebhookFormat)
	}
	if c.Alert.AMQPURL != "" && c.Alert.AMQPExchange == "" {
		add("alert.amqp_exchange", "exchange is required when amqp_url is set")
	}
	if c.Alert.PerMinute <= 0 || c.Alert.Burst <= 0 {
		add("alert", "per_minute and burst must be > 0")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be between 0 and 1, got %g", c.Tracing.SamplingRate)
	}
	if c.Tracing.Protocol != "http" && c.Tracing.Protocol != "grpc" {
		add("tracing.protocol", "invalid protocol '%s', must be http or grpc", c.Tracing.Protocol)
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}
	return errs
}
