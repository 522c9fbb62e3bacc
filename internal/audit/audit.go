// Package audit appends security events to a rotating JSON file.
//
// Events are buffered and written every second or once 100 are pending,
// whichever comes first. The file is append-only; rotation is handled by
// lumberjack.
package audit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/logger"
)

const (
	flushEvery = time.Second
	flushAt    = 100
)

// Config controls the audit file and its rotation.
type Config struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig keeps 10 compressed 100MB files for 30 days.
func DefaultConfig() Config {
	return Config{
		Path:       "logs/security-audit.log",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Logger is the audit sink. Use Record as a monitor listener.
type Logger struct {
	out    *zap.Logger
	closer func() error

	mu     sync.Mutex
	buffer []monitor.Event

	ticker    *time.Ticker
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens the audit file described by cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(logger.EncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	return newLogger(zap.New(core), rotator.Close, flushEvery), nil
}

func newLogger(out *zap.Logger, closer func() error, every time.Duration) *Logger {
	l := &Logger{
		out:    out,
		closer: closer,
		buffer: make([]monitor.Event, 0, flushAt),
		ticker: time.NewTicker(every),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// Record buffers ev for writing.
func (l *Logger) Record(ev monitor.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, ev)
	if len(l.buffer) >= flushAt {
		l.flushLocked()
	}
}

func (l *Logger) flushLocked() {
	for _, ev := range l.buffer {
		fields := []zap.Field{
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.String("severity", string(ev.Severity)),
			zap.Time("event_time", ev.Timestamp),
		}
		if ev.UserID != "" {
			fields = append(fields, zap.String("user_id", ev.UserID))
		}
		if ev.IPAddress != "" {
			fields = append(fields, zap.String("ip", ev.IPAddress))
		}
		if len(ev.Metadata) > 0 {
			fields = append(fields, zap.Any("metadata", ev.Metadata))
		}
		l.out.Info(ev.Message, fields...)
	}
	l.buffer = l.buffer[:0]
}

// Flush writes pending events now.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
	return l.out.Sync()
}

func (l *Logger) autoFlush() {
	defer close(l.done)
	for {
		select {
		case <-l.ticker.C:
			l.mu.Lock()
			l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.ticker.Stop()
		close(l.stopCh)
		<-l.done
		_ = l.Flush()
		if l.closer != nil {
			err = l.closer()
		}
	})
	return err
}
