package debuglog

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLimiterSuppressesRepeats(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	if !l.Allow("k", time.Second) {
		t.Fatalf("expected first allow")
	}
	if l.Allow("k", time.Second) {
		t.Fatalf("expected repeat suppressed")
	}
	if !l.Allow("other", time.Second) {
		t.Fatalf("expected independent key")
	}
	now = now.Add(2 * time.Second)
	if !l.Allow("k", time.Second) {
		t.Fatalf("expected allow after interval")
	}
	if l.Allow("", time.Second) {
		t.Fatalf("empty key must not log")
	}
}

func TestRateLimitedWritesDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	l := NewLimiter()
	for i := 0; i < 5; i++ {
		l.RateLimited(log, "recv", time.Hour, "dropped frame")
	}
	if got := logs.Len(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestNewHonoursDebugEnv(t *testing.T) {
	t.Setenv("MESH_DEBUG", "1")
	log, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level with MESH_DEBUG=1")
	}
	t.Setenv("MESH_DEBUG", "")
	log, err = New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info level by default")
	}
}
