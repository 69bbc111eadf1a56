package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

var errFakeRefused = errors.New("fake sink refused")

// fakeSink is an in-memory OutputSink that records every write and can be
// told to refuse a number of upcoming writes.
type fakeSink struct {
	mu       sync.Mutex
	level    int
	maxLevel int
	readErr  error
	refuse   int
	applied  []int
	attempts int
}

func newFakeSink(level, maxLevel int) *fakeSink {
	return &fakeSink{level: level, maxLevel: maxLevel}
}

func (s *fakeSink) Level(context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, 0, s.readErr
	}
	return s.level, s.maxLevel, nil
}

func (s *fakeSink) ApplyLevel(_ context.Context, level, maxLevel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.refuse > 0 {
		s.refuse--
		return errFakeRefused
	}
	s.level = level
	s.applied = append(s.applied, level)
	return nil
}

func (s *fakeSink) setRefuse(n int) {
	s.mu.Lock()
	s.refuse = n
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() (level int, applied []int, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, append([]int(nil), s.applied...), s.attempts
}

// fakeEnv is an Environment with settable answers and errors.
type fakeEnv struct {
	mu           sync.Mutex
	power        bool
	headphone    bool
	powerErr     error
	headphoneErr error
	queries      int
}

func (e *fakeEnv) PowerConnected(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries++
	return e.power, e.powerErr
}

func (e *fakeEnv) HeadphoneConnected(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.headphone, e.headphoneErr
}

func (e *fakeEnv) set(power, headphone bool) {
	e.mu.Lock()
	e.power, e.headphone = power, headphone
	e.mu.Unlock()
}

// fastActuator converges quickly so goroutine tests stay short.
func fastActuator() ActuatorConfig {
	cfg := DefaultActuatorConfig()
	cfg.Tick = time.Millisecond
	return cfg
}
