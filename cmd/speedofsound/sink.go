package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ErrSinkRefused marks a recoverable refusal by an output sink (for example a
// safety prompt on the audio device). The actuator skips the tick and retries.
var ErrSinkRefused = errors.New("output sink refused level")

// OutputSink is the external audio output the actuator drives.
//
// Levels are integers in [0, max]; max is reported by the sink.
type OutputSink interface {
	Level(ctx context.Context) (level int, max int, err error)
	ApplyLevel(ctx context.Context, level int, max int) error
}

// SinkType selects the OutputSink implementation.
type SinkType string

const (
	SinkTypeCamillaDSP SinkType = "camilladsp"
	SinkTypeLog        SinkType = "log"
)

// logSink keeps the level in memory and logs every change. Used for dry runs
// and on machines without an audio backend.
type logSink struct {
	mu       sync.Mutex
	level    int
	maxLevel int
	logger   *slog.Logger
}

func newLogSink(initial, maxLevel int, logger *slog.Logger) *logSink {
	if maxLevel <= 0 {
		maxLevel = defaultSinkMaxLevel
	}
	return &logSink{level: initial, maxLevel: maxLevel, logger: logger}
}

func (s *logSink) Level(context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.maxLevel, nil
}

func (s *logSink) ApplyLevel(_ context.Context, level, maxLevel int) error {
	if level < 0 || level > maxLevel {
		return fmt.Errorf("%w: level %d outside 0..%d", ErrSinkRefused, level, maxLevel)
	}
	s.mu.Lock()
	changed := s.level != level
	s.level = level
	s.mu.Unlock()

	if changed {
		s.logger.Info("output level", "level", level, "max", maxLevel)
	}
	return nil
}

// CamillaSink adapts a CamillaDSP main fader to OutputSink by spreading
// integer levels linearly over [MinDB, MaxDB].
type CamillaSink struct {
	client   CamillaDSPClientInterface
	minDB    float64
	maxDB    float64
	maxLevel int
}

// NewCamillaSink wraps client. maxLevel sets the integer resolution.
func NewCamillaSink(client CamillaDSPClientInterface, minDB, maxDB float64, maxLevel int) *CamillaSink {
	if maxLevel <= 0 {
		maxLevel = defaultSinkMaxLevel
	}
	return &CamillaSink{client: client, minDB: minDB, maxDB: maxDB, maxLevel: maxLevel}
}

func (s *CamillaSink) Level(context.Context) (int, int, error) {
	db, err := s.client.GetVolume()
	if err != nil {
		return 0, s.maxLevel, fmt.Errorf("read camilladsp volume: %w", err)
	}
	return s.levelForDB(db), s.maxLevel, nil
}

func (s *CamillaSink) ApplyLevel(_ context.Context, level, maxLevel int) error {
	if maxLevel <= 0 {
		return fmt.Errorf("%w: max level %d", ErrSinkRefused, maxLevel)
	}
	db := s.dbForLevel(level, maxLevel)
	if _, err := s.client.SetVolume(db); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkRefused, err)
	}
	return nil
}

func (s *CamillaSink) dbForLevel(level, maxLevel int) float64 {
	frac := clamp01(float64(level) / float64(maxLevel))
	return s.minDB + (s.maxDB-s.minDB)*frac
}

func (s *CamillaSink) levelForDB(db float64) int {
	span := s.maxDB - s.minDB
	if span <= 0 {
		return 0
	}
	frac := clamp01((db - s.minDB) / span)
	return int(math.Round(frac * float64(s.maxLevel)))
}

// newOutputSink builds the sink selected by cfg. The returned close function
// releases any connection it holds.
func newOutputSink(cfg SinkConfig, logger *slog.Logger) (OutputSink, func(), error) {
	switch SinkType(cfg.Type) {
	case SinkTypeLog:
		return newLogSink(0, cfg.MaxLevel, logger), func() {}, nil

	case SinkTypeCamillaDSP:
		client, err := NewCamillaDSPClient(cfg.WsURL, logger, cfg.TimeoutMS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to CamillaDSP: %w", err)
		}
		if state, err := client.GetState(); err != nil {
			logger.Warn("could not read CamillaDSP state", "error", err)
		} else {
			logger.Info("CamillaDSP ready", "state", state)
		}
		sink := NewCamillaSink(client, cfg.MinDB, cfg.MaxDB, cfg.MaxLevel)
		return sink, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}
