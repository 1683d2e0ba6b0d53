// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "rankspot"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("RANKSPOT_LOG_LEVEL", "info"),
		Format: getenv("RANKSPOT_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// AssetID returns a zap field for an asset id.
func AssetID(id int64) zap.Field { return zap.Int64("asset_id", id) }

// RentalID returns a zap field for a rental id.
func RentalID(id int64) zap.Field { return zap.Int64("rental_id", id) }

// SessionID returns a zap field for a session id.
func SessionID(id int64) zap.Field { return zap.Int64("session_id", id) }

// ProxyID returns a zap field for a proxy id.
func ProxyID(id int64) zap.Field { return zap.Int64("proxy_id", id) }

// UserID returns a zap field for a user id.
func UserID(id int64) zap.Field { return zap.Int64("user_id", id) }

// Keyword returns a zap field for a search keyword.
func Keyword(kw string) zap.Field { return zap.String("keyword", kw) }

// Rank returns a zap field for a measured rank.
func Rank(rank int) zap.Field { return zap.Int("rank", rank) }

// Tier returns a zap field for a commercial tier.
func Tier(tier string) zap.Field { return zap.String("tier", tier) }

// Class returns a zap field for a session class.
func Class(class string) zap.Field { return zap.String("class", class) }

// Status returns a zap field for an entity status.
func Status(status string) zap.Field { return zap.String("status", status) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// ProbeID returns a zap field for a probe run id.
func ProbeID(id string) zap.Field { return zap.String("probe_id", id) }

// Count returns a zap field for a generic count.
func Count(n int) zap.Field { return zap.Int("count", n) }

// Latency returns a zap field for a measured latency.
func Latency(d time.Duration) zap.Field { return zap.Duration("latency", d) }
