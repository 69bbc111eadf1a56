package main

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ActuatorConfig holds the convergence constants of the volume actuator.
type ActuatorConfig struct {
	// Tick is the pause between two applied steps.
	Tick time.Duration

	// SnapThreshold is the distance under which the target is applied as-is.
	SnapThreshold float64

	// ApproachRate is the fraction of the remaining gap closed per tick.
	ApproachRate float64

	// MaxApproach caps the absolute change applied in a single tick.
	MaxApproach float64
}

// DefaultActuatorConfig returns the tuned production constants.
func DefaultActuatorConfig() ActuatorConfig {
	return ActuatorConfig{
		Tick:          defaultActuatorTick,
		SnapThreshold: defaultSnapThreshold,
		ApproachRate:  defaultApproachRate,
		MaxApproach:   defaultMaxApproach,
	}
}

// withDefaults fills zero fields so a partially specified config is usable.
func (c ActuatorConfig) withDefaults() ActuatorConfig {
	d := DefaultActuatorConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.SnapThreshold <= 0 {
		c.SnapThreshold = d.SnapThreshold
	}
	if c.ApproachRate <= 0 {
		c.ApproachRate = d.ApproachRate
	}
	if c.MaxApproach <= 0 {
		c.MaxApproach = d.MaxApproach
	}
	return c
}

// approach computes the next applied level when moving from current toward
// target. It never overshoots: once within SnapThreshold it returns target.
func approach(current, target float64, cfg ActuatorConfig) float64 {
	if math.Abs(current-target) < cfg.SnapThreshold {
		return target
	}
	delta := (target - current) * cfg.ApproachRate
	if math.Abs(delta) > cfg.MaxApproach {
		delta = math.Copysign(cfg.MaxApproach, delta)
	}
	return current + delta
}

// VolumeActuator smoothly drives an OutputSink toward the most recently
// published target level.
//
// Concurrency:
//   - SetTarget may be called from any goroutine. The target is last-value-wins.
//   - The current level is owned by the goroutine running Run.
//   - wake is a single-slot channel used only to rouse an idle loop; values are
//     never handed off through it.
type VolumeActuator struct {
	sink   OutputSink
	cfg    ActuatorConfig
	logger *slog.Logger

	mu        sync.Mutex
	target    float64
	hasTarget bool

	wake chan struct{}

	// Published copy of the current level for readers outside the loop.
	currentBits atomic.Uint64

	// onApplied, if set, is called from the actuator goroutine after each
	// successful apply. It must not block.
	onApplied func(level float64)
}

// NewVolumeActuator creates an actuator for sink. Call Run to start it.
func NewVolumeActuator(sink OutputSink, cfg ActuatorConfig, logger *slog.Logger) *VolumeActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &VolumeActuator{
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// SetTarget publishes a new desired level in [0,1] and wakes an idle loop.
// Setting the same target again is a no-op.
func (a *VolumeActuator) SetTarget(level float64) {
	level = clamp01(level)

	a.mu.Lock()
	if a.hasTarget && level == a.target {
		a.mu.Unlock()
		return
	}
	a.target = level
	a.hasTarget = true
	a.mu.Unlock()

	a.logger.Debug("actuator target set", "target", level)

	// Overwrite-on-send: a pending wake already covers this update.
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Target returns the latest published target level.
func (a *VolumeActuator) Target() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// Current returns the last level successfully applied to the sink.
func (a *VolumeActuator) Current() float64 {
	return math.Float64frombits(a.currentBits.Load())
}

// Percent returns the current level as a rounded percentage for display.
func (a *VolumeActuator) Percent() int {
	return int(math.Round(a.Current() * 100))
}

func (a *VolumeActuator) publish(level float64) {
	a.currentBits.Store(math.Float64bits(level))
}

// Run drives the sink until ctx is canceled. Cancellation is the normal exit
// path and returns nil.
func (a *VolumeActuator) Run(ctx context.Context) error {
	a.logger.Debug("actuator starting")
	defer a.logger.Debug("actuator exiting")

	current, maxLevel := a.initialLevel(ctx)
	a.publish(current)

	// Without a published target, hold the sink where it is.
	a.mu.Lock()
	if !a.hasTarget {
		a.target = current
		a.hasTarget = true
	}
	a.mu.Unlock()

	timer := time.NewTimer(a.cfg.Tick)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		target := a.Target()

		// Matched: sleep until a new target arrives.
		for current == target {
			a.logger.Debug("actuator idle", "level", current)
			select {
			case <-ctx.Done():
				return nil
			case <-a.wake:
			}
			target = a.Target()
		}

		next := approach(current, target, a.cfg)
		sinkLevel := int(math.Round(next * float64(maxLevel)))

		if err := a.sink.ApplyLevel(ctx, sinkLevel, maxLevel); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Skip this tick only; the same step is recomputed from the
			// unchanged baseline next time.
			a.logger.Warn("output sink rejected level", "error", err, "level", next, "sink_level", sinkLevel)
			timer.Reset(a.cfg.Tick)
			continue
		}

		a.logger.Debug("actuator applied", "level", next, "sink_level", sinkLevel, "max", maxLevel, "target", target)
		current = next
		a.publish(current)
		if a.onApplied != nil {
			a.onApplied(current)
		}

		timer.Reset(a.cfg.Tick)
	}
}

// initialLevel reads the sink's real level. On failure the loop starts from the
// published target (or silence if none) so it does not jump.
func (a *VolumeActuator) initialLevel(ctx context.Context) (float64, int) {
	level, maxLevel, err := a.sink.Level(ctx)
	if err != nil || maxLevel <= 0 {
		if maxLevel <= 0 {
			maxLevel = defaultSinkMaxLevel
		}
		a.mu.Lock()
		fallback := 0.0
		if a.hasTarget {
			fallback = a.target
		}
		a.mu.Unlock()
		a.logger.Warn("could not read output level; assuming fallback", "error", err, "fallback", fallback)
		return fallback, maxLevel
	}

	current := clamp01(float64(level) / float64(maxLevel))
	a.logger.Debug("actuator initial level", "level", current, "sink_level", level, "max", maxLevel)
	return current, maxLevel
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
