package main

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Mapping:  testMapping(),
		Window:   defaultSmoothingWindow,
		Actuator: fastActuator(),
	}
}

func TestNewSession_Validates(t *testing.T) {
	_, err := NewSession(SessionConfig{Mapping: MappingConfig{LowSpeed: 10, HighSpeed: 5}}, newFakeSink(0, 100), testLogger())
	assert.ErrorIs(t, err, ErrInvalidMapping)

	_, err = NewSession(testSessionConfig(), nil, testLogger())
	assert.Error(t, err)
}

func TestSession_StartStopIdempotent(t *testing.T) {
	s, err := NewSession(testSessionConfig(), newFakeSink(0, 100), testLogger())
	require.NoError(t, err)

	s.Stop()
	assert.False(t, s.Active())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Active())
	act := s.actuator

	require.NoError(t, s.Start(context.Background()))
	assert.Same(t, act, s.actuator, "second Start must not replace the actuator")

	s.Stop()
	assert.False(t, s.Active())
	s.Stop()
	assert.False(t, s.Active())
}

func TestSession_PushSpeedRejectsSamples(t *testing.T) {
	s, err := NewSession(testSessionConfig(), newFakeSink(0, 100), testLogger())
	require.NoError(t, err)

	_, ok := s.PushSpeed(12)
	assert.False(t, ok, "inactive session must ignore samples")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, ok := s.PushSpeed(v)
		assert.False(t, ok, "sample %v", v)
	}

	level, ok := s.PushSpeed(30)
	assert.True(t, ok)
	assert.Equal(t, 0.9, level)
}

func TestSession_DrivesSinkAndKeepsReadoutAfterStop(t *testing.T) {
	sink := newFakeSink(0, 100)
	s, err := NewSession(testSessionConfig(), sink, testLogger())
	require.NoError(t, err)

	var notified atomic.Int32
	s.onLevel = func(p int) { notified.Store(int32(p)) }

	require.NoError(t, s.Start(context.Background()))
	s.PushSpeed(30)
	assert.Equal(t, 90, s.TargetPercent())

	waitUntil(t, 2*time.Second, func() bool { return s.Percent() == 90 }, "session never reached target")
	waitUntil(t, time.Second, func() bool { return notified.Load() == 90 }, "level change not notified")

	s.Stop()
	assert.Equal(t, 90, s.Percent())
	assert.Equal(t, 90, s.TargetPercent())
	assert.Equal(t, 0.0, s.Average())
}

func TestSession_RestartUsesFreshWindow(t *testing.T) {
	s, err := NewSession(testSessionConfig(), newFakeSink(0, 100), testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < 6; i++ {
		s.PushSpeed(30)
	}
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	s.PushSpeed(3)
	assert.InDelta(t, 3.0, s.Average(), 1e-12)
}
