package main

import "math"

// fixTracker turns position fixes into speed samples. Fixes that carry a speed
// are used as-is; otherwise the speed is the great-circle distance to the
// previous fix divided by the time between them.
//
// Owned by the daemon goroutine.
type fixTracker struct {
	prev    LocationFix
	hasPrev bool
}

// Speed returns the speed for fix in m/s. ok is false when no speed can be
// derived (first fix, clock going backwards, or a gap longer than maxFixGap).
func (t *fixTracker) Speed(fix LocationFix) (speed float64, ok bool) {
	prev, hadPrev := t.prev, t.hasPrev
	t.prev, t.hasPrev = fix, true

	if fix.Speed != nil {
		return *fix.Speed, true
	}
	if !hadPrev || fix.Time.IsZero() || prev.Time.IsZero() {
		return 0, false
	}

	dt := fix.Time.Sub(prev.Time)
	if dt <= 0 || dt > maxFixGap {
		return 0, false
	}
	d := haversine(prev.Lat, prev.Lon, fix.Lat, fix.Lon)
	return d / dt.Seconds(), true
}

// Reset forgets the previous fix.
func (t *fixTracker) Reset() {
	t.prev, t.hasPrev = LocationFix{}, false
}

// haversine returns the great-circle distance in meters between two points
// given in degrees.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
