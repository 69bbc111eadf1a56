package main

import (
	"fmt"
	"strings"
)

// SpeedUnit is the unit a speed is presented or entered in. Internally every
// speed is in meters per second.
type SpeedUnit string

const (
	UnitMetersPerSecond SpeedUnit = "m/s"
	UnitKilometersHour  SpeedUnit = "km/h"
	UnitMilesHour       SpeedUnit = "mph"
)

const (
	kmhToMS = 0.27778
	mphToMS = 0.44704
	msToKMH = 3.6
	msToMPH = 2.23693
)

// ParseSpeedUnit accepts the common spellings of each unit.
func ParseSpeedUnit(s string) (SpeedUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "m/s", "ms", "mps":
		return UnitMetersPerSecond, nil
	case "km/h", "kmh", "kph":
		return UnitKilometersHour, nil
	case "mph", "mi/h":
		return UnitMilesHour, nil
	}
	return "", fmt.Errorf("unknown speed unit %q (want m/s, km/h or mph)", s)
}

// ToNative converts v expressed in u to meters per second.
func (u SpeedUnit) ToNative(v float64) float64 {
	switch u {
	case UnitKilometersHour:
		return v * kmhToMS
	case UnitMilesHour:
		return v * mphToMS
	default:
		return v
	}
}

// FromNative converts v meters per second to u.
func (u SpeedUnit) FromNative(v float64) float64 {
	switch u {
	case UnitKilometersHour:
		return v * msToKMH
	case UnitMilesHour:
		return v * msToMPH
	default:
		return v
	}
}
