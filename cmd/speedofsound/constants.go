package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_SW  = 0x05

	// Switch codes
	SW_HEADPHONE_INSERT = 0x02
	SW_LINEOUT_INSERT   = 0x06
	SW_MAX              = 0x10
)

// Smoothing configuration
const (
	defaultSmoothingWindow = 6 // Samples kept in the recency window
	minSamplesForIQR       = 4 // Below this the plain mean is used
	topSamplesAveraged     = 3 // Largest survivors summed by Average
)

// Actuator configuration
const (
	defaultActuatorTick  = 150 * time.Millisecond
	defaultSnapThreshold = 0.03 // Distance under which the target is applied as-is
	defaultApproachRate  = 0.3  // Fraction of the gap closed per tick
	defaultMaxApproach   = 0.06 // Largest change applied per tick
)

// Output sink configuration
const (
	defaultSinkMaxLevel    = 100  // Integer resolution of the output level
	defaultReadTimeoutMS   = 500  // Timeout for reading websocket responses (ms)
	camillaConnectAttempts = 10   // Startup dial attempts before giving up
	defaultMinDB           = -65.0
	defaultMaxDB           = 0.0

	camillaRetryDelay       = 500 * time.Millisecond
	camillaHandshakeTimeout = 2 * time.Second
)

// Mapping defaults, in km/h as presented to users.
const (
	defaultLowSpeedKMH  = 10.0
	defaultHighSpeedKMH = 100.0
	defaultLowVolume    = 40
	defaultHighVolume   = 80
)

// Speed sources
const (
	defaultGPSDAddress = "127.0.0.1:2947"
	gpsdRedialDelay    = 2 * time.Second

	// Fixes further apart than this are not used to derive a speed.
	maxFixGap = 30 * time.Second

	earthRadiusMeters = 6371e3
)

// Environment signals
const (
	defaultHeadphoneDevice = "/dev/input/event0"
	envQueryTimeout        = 2 * time.Second
)

// Event bus sizing
const (
	eventQueueSize     = 64
	broadcastQueueSize = 64
)
