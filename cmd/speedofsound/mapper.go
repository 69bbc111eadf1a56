package main

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMapping is returned when a MappingConfig violates its invariants.
var ErrInvalidMapping = errors.New("invalid speed mapping")

// MappingConfig describes the speed → volume curve.
//
// Speeds are native units (m/s); levels are integer percentages.
type MappingConfig struct {
	LowSpeed  float64
	HighSpeed float64
	LowLevel  int
	HighLevel int
}

// Validate checks the mapping invariants. It is meant to run once when the
// configuration is loaded, never per sample.
func (c MappingConfig) Validate() error {
	if math.IsNaN(c.LowSpeed) || math.IsInf(c.LowSpeed, 0) ||
		math.IsNaN(c.HighSpeed) || math.IsInf(c.HighSpeed, 0) {
		return fmt.Errorf("%w: speeds must be finite", ErrInvalidMapping)
	}
	if c.HighSpeed <= c.LowSpeed {
		return fmt.Errorf("%w: high speed (%.3f m/s) must be greater than low speed (%.3f m/s)",
			ErrInvalidMapping, c.HighSpeed, c.LowSpeed)
	}
	if c.LowLevel < 0 || c.HighLevel > 100 {
		return fmt.Errorf("%w: volume levels must be within 0..100", ErrInvalidMapping)
	}
	if c.LowLevel > c.HighLevel {
		return fmt.Errorf("%w: low volume (%d) must be <= high volume (%d)",
			ErrInvalidMapping, c.LowLevel, c.HighLevel)
	}
	return nil
}

// VolumeMapper turns raw speed samples into a target output level in [0,1].
// It is stateful through its smoother and is owned by a single goroutine.
type VolumeMapper struct {
	cfg      MappingConfig
	smoother *SpeedSmoother
	average  float64
}

// NewVolumeMapper validates cfg and builds a mapper with a smoothing window of
// the given size.
func NewVolumeMapper(cfg MappingConfig, window int) (*VolumeMapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VolumeMapper{
		cfg:      cfg,
		smoother: NewSpeedSmoother(window),
	}, nil
}

// SpeedToLevel records speed and returns the level for the new smoothed speed.
func (m *VolumeMapper) SpeedToLevel(speed float64) float64 {
	m.smoother.Push(speed)
	m.average = m.smoother.Average()
	return m.cfg.LevelForSpeed(m.average)
}

// LastAverage returns the smoothed speed computed by the latest SpeedToLevel.
func (m *VolumeMapper) LastAverage() float64 { return m.average }

// Config returns the active mapping.
func (m *VolumeMapper) Config() MappingConfig { return m.cfg }

// LevelForSpeed maps an already smoothed speed onto [LowLevel, HighLevel].
//
// Between the clamps the curve is ln(1+frac)/ln(2): steep at low speeds and
// flattening toward the top, equal to the clamp values at both ends.
func (c MappingConfig) LevelForSpeed(s float64) float64 {
	low := float64(c.LowLevel) / 100
	high := float64(c.HighLevel) / 100

	switch {
	case s < c.LowSpeed:
		return low
	case s > c.HighSpeed:
		return high
	}

	frac := (s - c.LowSpeed) / (c.HighSpeed - c.LowSpeed)
	scaled := math.Log1p(frac) / math.Ln2
	return low + (high-low)*scaled
}
