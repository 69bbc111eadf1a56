package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Signals is the environment snapshot the activation policy decides on.
type Signals struct {
	PowerConnected         bool
	HeadphoneConnected     bool
	SecondaryLinkConnected bool
}

// Preferences are the user's activation switches.
type Preferences struct {
	OnlyWhenCharging      bool
	EnableOnHeadphone     bool
	EnableOnSecondaryLink bool
}

// Decide reports whether the tracking pipeline should run.
//
// The charging gate wins over everything else; after that either enabled
// audio route is enough.
func Decide(s Signals, p Preferences) bool {
	if p.OnlyWhenCharging && !s.PowerConnected {
		return false
	}
	if p.EnableOnHeadphone && s.HeadphoneConnected {
		return true
	}
	if p.EnableOnSecondaryLink && s.SecondaryLinkConnected {
		return true
	}
	return false
}

// Environment answers live queries for signals that can be read on demand.
type Environment interface {
	PowerConnected(ctx context.Context) (bool, error)
	HeadphoneConnected(ctx context.Context) (bool, error)
}

// LinkCache remembers whether a secondary audio link is up. Link notifications
// cannot be re-queried later, so the last reported state is kept here.
//
// Safe for concurrent use: link watchers update it from their own goroutines.
type LinkCache struct {
	mu        sync.Mutex
	allowed   map[string]struct{}
	connected map[string]bool
}

// NewLinkCache builds a cache. An empty allowlist accepts every device.
func NewLinkCache(allowlist []string) *LinkCache {
	c := &LinkCache{connected: make(map[string]bool)}
	if len(allowlist) > 0 {
		c.allowed = make(map[string]struct{}, len(allowlist))
		for _, a := range allowlist {
			c.allowed[normalizeAddress(a)] = struct{}{}
		}
	}
	return c
}

// Update records a link state change. It returns false when the device is not
// in the allowlist and the change was ignored.
func (c *LinkCache) Update(address string, connected bool) bool {
	addr := normalizeAddress(address)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allowed != nil {
		if _, ok := c.allowed[addr]; !ok {
			return false
		}
	}
	if connected {
		c.connected[addr] = true
	} else {
		delete(c.connected, addr)
	}
	return true
}

// Connected reports whether any accepted device is currently linked.
func (c *LinkCache) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connected) > 0
}

func normalizeAddress(a string) string {
	return strings.ToUpper(strings.TrimSpace(a))
}

// gatherSignals queries the environment live and combines it with the cached
// link state. A failed query counts as "not connected".
func gatherSignals(ctx context.Context, env Environment, links *LinkCache, logger *slog.Logger) Signals {
	var s Signals

	if env != nil {
		qctx, cancel := context.WithTimeout(ctx, envQueryTimeout)
		defer cancel()

		power, err := env.PowerConnected(qctx)
		if err != nil {
			logger.Warn("power query failed", "error", err)
		}
		s.PowerConnected = power && err == nil

		hp, err := env.HeadphoneConnected(qctx)
		if err != nil {
			logger.Warn("headphone query failed", "error", err)
		}
		s.HeadphoneConnected = hp && err == nil
	}

	if links != nil {
		s.SecondaryLinkConnected = links.Connected()
	}
	return s
}

// cachedEnvironment serves the last pushed power/headphone state. It backs the
// live queries when no platform source is available and lets IPC clients stand
// in for one.
type cachedEnvironment struct {
	mu        sync.Mutex
	power     bool
	headphone bool
}

func (e *cachedEnvironment) PowerConnected(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.power, nil
}

func (e *cachedEnvironment) HeadphoneConnected(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.headphone, nil
}

func (e *cachedEnvironment) setPower(v bool) {
	e.mu.Lock()
	e.power = v
	e.mu.Unlock()
}

func (e *cachedEnvironment) setHeadphone(v bool) {
	e.mu.Lock()
	e.headphone = v
	e.mu.Unlock()
}

// layeredEnvironment asks the platform sources first and falls back to the
// cached values when a source is missing.
type layeredEnvironment struct {
	power     func(context.Context) (bool, error)
	headphone func(context.Context) (bool, error)
	cache     *cachedEnvironment
}

func (e *layeredEnvironment) PowerConnected(ctx context.Context) (bool, error) {
	if e.power != nil {
		return e.power(ctx)
	}
	return e.cache.PowerConnected(ctx)
}

func (e *layeredEnvironment) HeadphoneConnected(ctx context.Context) (bool, error) {
	if e.headphone != nil {
		return e.headphone(ctx)
	}
	return e.cache.HeadphoneConnected(ctx)
}
