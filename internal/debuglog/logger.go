package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func Enabled() bool {
	return os.Getenv("MESH_DEBUG") == "1"
}

// New builds the process logger. MESH_DEBUG=1 selects the development encoder
// at debug level; otherwise JSON at info level.
func New() (*zap.Logger, error) {
	if Enabled() {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Limiter suppresses repeats of the same key within an interval.
type Limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
	now   func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{last: make(map[string]time.Time), now: time.Now}
}

func (l *Limiter) Allow(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// RateLimited logs at debug level at most once per interval for key.
func (l *Limiter) RateLimited(log *zap.Logger, key string, interval time.Duration, msg string, fields ...zap.Field) {
	if log == nil || !log.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	if !l.Allow(key, interval) {
		return
	}
	log.Debug(msg, fields...)
}
