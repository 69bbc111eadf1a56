package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The daemon goroutine is the single owner of the session (and so of the
// smoothing window and mapper). Every producer talks to it through the events
// channel:
//   - speed samples and location fixes are mapped and published as targets
//   - power, headphone and link changes re-run the activation policy from
//     scratch and issue an unconditional start/stop
//   - explicit tracking commands start/stop without consulting the policy
//
// State changes are pushed to the state WebSocket broadcaster without ever
// blocking the loop.
// ============================================================================

// Daemon wires the activation policy to a tracking session.
type Daemon struct {
	logger  *slog.Logger
	session *Session
	prefs   Preferences

	env   Environment
	cache *cachedEnvironment
	links *LinkCache

	fixes fixTracker

	broadcasts chan<- StateBroadcast

	lastSignals Signals
	lastSpeed   float64
}

// NewDaemon builds the loop. cache receives power/headphone reports that
// arrive as events; env is consulted live on every policy evaluation.
func NewDaemon(
	session *Session,
	prefs Preferences,
	env Environment,
	cache *cachedEnvironment,
	links *LinkCache,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) *Daemon {
	if cache == nil {
		cache = &cachedEnvironment{}
	}
	if env == nil {
		env = cache
	}
	if links == nil {
		links = NewLinkCache(nil)
	}
	d := &Daemon{
		logger:     logger,
		session:    session,
		prefs:      prefs,
		env:        env,
		cache:      cache,
		links:      links,
		broadcasts: broadcasts,
	}
	session.onLevel = d.emitLevel
	return d
}

// Run consumes events until ctx is canceled or events is closed. The session
// is stopped on the way out. startTracking forces a session at startup;
// otherwise the policy decides.
func (d *Daemon) Run(ctx context.Context, events <-chan Event, startTracking bool) error {
	defer d.shutdown()

	if startTracking {
		d.setActive(ctx, true, "startup")
	} else {
		d.evaluate(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)")
			return nil

		case ev, ok := <-events:
			if !ok {
				d.logger.Info("daemon stopping (events channel closed)")
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Daemon) shutdown() {
	wasActive := d.session.Active()
	d.session.Stop()
	if wasActive {
		d.emit(BroadcastTrackingChanged{Active: false, Reason: "shutdown", At: time.Now().UTC()})
	}
}

func (d *Daemon) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case SpeedSample:
		unit, err := ParseSpeedUnit(e.Units)
		if err != nil {
			d.logger.Warn("dropping speed sample", "error", err)
			return
		}
		d.handleSpeed(unit.ToNative(e.Speed))

	case LocationFix:
		speed, ok := d.fixes.Speed(e)
		if !ok {
			d.logger.Debug("location fix without usable speed", "lat", e.Lat, "lon", e.Lon)
			return
		}
		d.handleSpeed(speed)

	case PowerChanged:
		d.cache.setPower(e.Connected)
		d.evaluate(ctx, "power")

	case HeadphoneChanged:
		d.cache.setHeadphone(e.Connected)
		d.evaluate(ctx, "headphone")

	case LinkChanged:
		if !d.links.Update(e.Address, e.Connected) {
			d.logger.Debug("ignoring link change for unlisted device", "address", e.Address)
			return
		}
		d.evaluate(ctx, "link")

	case SetTracking:
		d.setActive(ctx, e.Enabled, "command")

	case RequestStateSnapshot:
		if e.Reply == nil {
			return
		}
		select {
		case e.Reply <- d.snapshot():
		default:
			d.logger.Warn("state snapshot reply dropped")
		}

	default:
		d.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (d *Daemon) handleSpeed(speed float64) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
		d.logger.Warn("dropping invalid speed sample", "speed", speed)
		return
	}
	level, ok := d.session.PushSpeed(speed)
	if !ok {
		d.logger.Debug("speed sample ignored (tracking inactive)", "speed", speed)
		return
	}

	d.lastSpeed = speed
	avg := d.session.Average()
	d.logger.Debug("speed sample", "speed", speed, "average", avg, "target", level)
	d.emit(BroadcastSpeedChanged{Speed: speed, Average: avg, At: time.Now().UTC()})
}

// evaluate recomputes the activation decision from scratch and applies it.
func (d *Daemon) evaluate(ctx context.Context, reason string) {
	signals := gatherSignals(ctx, d.env, d.links, d.logger)
	d.lastSignals = signals

	should := Decide(signals, d.prefs)
	d.logger.Debug("activation decision",
		"reason", reason,
		"power", signals.PowerConnected,
		"headphone", signals.HeadphoneConnected,
		"link", signals.SecondaryLinkConnected,
		"active", should)

	d.setActive(ctx, should, reason)
}

// setActive issues a start or stop; repeated identical commands are no-ops.
func (d *Daemon) setActive(ctx context.Context, active bool, reason string) {
	was := d.session.Active()

	if active {
		if err := d.session.Start(ctx); err != nil {
			d.logger.Error("failed to start tracking", "error", err, "reason", reason)
			return
		}
	} else {
		d.session.Stop()
		d.fixes.Reset()
	}

	if was != d.session.Active() {
		d.emit(BroadcastTrackingChanged{Active: active, Reason: reason, At: time.Now().UTC()})
	}
}

func (d *Daemon) snapshot() StateSnapshot {
	return StateSnapshot{
		Active:  d.session.Active(),
		Percent: d.session.Percent(),
		Target:  d.session.TargetPercent(),
		Speed:   d.lastSpeed,
		Average: d.session.Average(),
		Signals: d.lastSignals,
		At:      time.Now().UTC(),
	}
}

func (d *Daemon) emitLevel(percent int) {
	d.emit(BroadcastLevelChanged{Percent: percent, At: time.Now().UTC()})
}

// emit never blocks; displays are best effort.
func (d *Daemon) emit(b StateBroadcast) {
	if d.broadcasts == nil {
		return
	}
	select {
	case d.broadcasts <- b:
	default:
		d.logger.Debug("broadcast queue full, dropping", "type", fmt.Sprintf("%T", b))
	}
}
