package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// SessionConfig is everything a tracking session needs to be built.
type SessionConfig struct {
	Mapping  MappingConfig
	Window   int
	Actuator ActuatorConfig
}

// Session is one tracking run: a fresh smoothing window, a mapper and an
// actuator goroutine, created on Start and discarded on Stop.
//
// All methods must be called from the daemon goroutine. The actuator goroutine
// only ever sees targets through VolumeActuator.SetTarget.
type Session struct {
	cfg    SessionConfig
	sink   OutputSink
	logger *slog.Logger

	// onLevel, if set, receives the displayed percentage whenever it changes.
	// It runs on the actuator goroutine and must not block.
	onLevel func(percent int)

	mapper   *VolumeMapper
	actuator *VolumeActuator
	cancel   context.CancelFunc
	done     chan struct{}

	lastPercent int
}

// NewSession validates cfg once so that Start never fails on configuration.
func NewSession(cfg SessionConfig, sink OutputSink, logger *slog.Logger) (*Session, error) {
	if err := cfg.Mapping.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("session: nil output sink")
	}
	return &Session{cfg: cfg, sink: sink, logger: logger}, nil
}

// Active reports whether a session is running.
func (s *Session) Active() bool { return s.cancel != nil }

// Start begins tracking. Starting an active session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	if s.Active() {
		return nil
	}

	mapper, err := NewVolumeMapper(s.cfg.Mapping, s.cfg.Window)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	act := NewVolumeActuator(s.sink, s.cfg.Actuator, s.logger)
	if s.onLevel != nil {
		notify := s.onLevel
		last := -1
		act.onApplied = func(level float64) {
			p := int(math.Round(level * 100))
			if p != last {
				last = p
				notify(p)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := act.Run(runCtx); err != nil {
			s.logger.Error("actuator stopped", "error", err)
		}
	}()

	s.mapper = mapper
	s.actuator = act
	s.cancel = cancel
	s.done = done

	s.logger.Info("tracking started",
		"low_speed", s.cfg.Mapping.LowSpeed,
		"high_speed", s.cfg.Mapping.HighSpeed,
		"low_volume", s.cfg.Mapping.LowLevel,
		"high_volume", s.cfg.Mapping.HighLevel)
	return nil
}

// Stop ends tracking and waits for the actuator goroutine to exit. Stopping an
// inactive session is a no-op.
func (s *Session) Stop() {
	if !s.Active() {
		return
	}
	s.cancel()
	<-s.done

	s.lastPercent = s.actuator.Percent()
	s.mapper = nil
	s.actuator = nil
	s.cancel = nil
	s.done = nil

	s.logger.Info("tracking stopped", "percent", s.lastPercent)
}

// PushSpeed feeds one speed sample (m/s) through the mapper and publishes the
// resulting target. It returns false when the sample was not used.
func (s *Session) PushSpeed(speed float64) (float64, bool) {
	if !s.Active() {
		return 0, false
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
		return 0, false
	}
	level := s.mapper.SpeedToLevel(speed)
	s.actuator.SetTarget(level)
	return level, true
}

// Average returns the smoothed speed of the running session, or 0.
func (s *Session) Average() float64 {
	if s.mapper == nil {
		return 0
	}
	return s.mapper.LastAverage()
}

// Percent is the display readout: round(currentLevel × 100). After Stop it
// keeps reporting the last applied value.
func (s *Session) Percent() int {
	if s.actuator == nil {
		return s.lastPercent
	}
	return s.actuator.Percent()
}

// TargetPercent is the rounded target level, or the readout when inactive.
func (s *Session) TargetPercent() int {
	if s.actuator == nil {
		return s.lastPercent
	}
	return int(math.Round(s.actuator.Target() * 100))
}
