package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide_TruthTable(t *testing.T) {
	for i := 0; i < 64; i++ {
		s := Signals{
			PowerConnected:         i&1 != 0,
			HeadphoneConnected:     i&2 != 0,
			SecondaryLinkConnected: i&4 != 0,
		}
		p := Preferences{
			OnlyWhenCharging:      i&8 != 0,
			EnableOnHeadphone:     i&16 != 0,
			EnableOnSecondaryLink: i&32 != 0,
		}

		var want bool
		switch {
		case p.OnlyWhenCharging && !s.PowerConnected:
			want = false
		default:
			want = (p.EnableOnHeadphone && s.HeadphoneConnected) ||
				(p.EnableOnSecondaryLink && s.SecondaryLinkConnected)
		}

		assert.Equal(t, want, Decide(s, p), "signals=%+v prefs=%+v", s, p)
	}
}

func TestDecide_Examples(t *testing.T) {
	tests := []struct {
		name string
		s    Signals
		p    Preferences
		want bool
	}{
		{
			name: "headphone on battery without charging gate",
			s:    Signals{HeadphoneConnected: true},
			p:    Preferences{EnableOnHeadphone: true},
			want: true,
		},
		{
			name: "charging gate blocks headphone",
			s:    Signals{HeadphoneConnected: true},
			p:    Preferences{OnlyWhenCharging: true, EnableOnHeadphone: true},
			want: false,
		},
		{
			name: "car link on power",
			s:    Signals{PowerConnected: true, SecondaryLinkConnected: true},
			p:    Preferences{OnlyWhenCharging: true, EnableOnSecondaryLink: true},
			want: true,
		},
		{
			name: "power alone is not enough",
			s:    Signals{PowerConnected: true},
			p:    Preferences{EnableOnHeadphone: true, EnableOnSecondaryLink: true},
			want: false,
		},
		{
			name: "route disabled by preference",
			s:    Signals{HeadphoneConnected: true},
			p:    Preferences{EnableOnSecondaryLink: true},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.s, tt.p))
		})
	}
}

func TestLinkCache_Allowlist(t *testing.T) {
	c := NewLinkCache([]string{"aa:bb:cc:dd:ee:ff"})

	assert.False(t, c.Update("11:22:33:44:55:66", true), "unlisted device must be ignored")
	assert.False(t, c.Connected())

	assert.True(t, c.Update("AA:BB:CC:DD:EE:FF", true))
	assert.True(t, c.Connected())

	assert.True(t, c.Update(" aa:bb:cc:dd:ee:ff ", false))
	assert.False(t, c.Connected())
}

func TestLinkCache_EmptyAllowlistAcceptsAny(t *testing.T) {
	c := NewLinkCache(nil)

	assert.True(t, c.Update("11:22:33:44:55:66", true))
	assert.True(t, c.Update("AA:BB:CC:DD:EE:FF", true))
	assert.True(t, c.Connected())

	c.Update("11:22:33:44:55:66", false)
	assert.True(t, c.Connected(), "one link is still up")

	c.Update("aa:bb:cc:dd:ee:ff", false)
	assert.False(t, c.Connected())
}

func TestLinkCache_DisconnectUnknownIsHarmless(t *testing.T) {
	c := NewLinkCache(nil)
	assert.True(t, c.Update("11:22:33:44:55:66", false))
	assert.False(t, c.Connected())
}

func TestLinkCache_ConcurrentUpdates(t *testing.T) {
	c := NewLinkCache(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("00:00:00:00:00:%02X", i)
			for j := 0; j < 100; j++ {
				c.Update(addr, j%2 == 0)
				_ = c.Connected()
			}
		}(i)
	}
	wg.Wait()

	// Every goroutine ends on a disconnect.
	assert.False(t, c.Connected())
}

func TestGatherSignals_CombinesSources(t *testing.T) {
	env := &fakeEnv{}
	env.set(true, false)
	links := NewLinkCache(nil)
	links.Update("AA:BB:CC:DD:EE:FF", true)

	got := gatherSignals(context.Background(), env, links, testLogger())
	assert.Equal(t, Signals{PowerConnected: true, SecondaryLinkConnected: true}, got)
}

func TestGatherSignals_QueryErrorsCountAsDisconnected(t *testing.T) {
	env := &fakeEnv{
		power:        true,
		headphone:    true,
		powerErr:     errors.New("upower gone"),
		headphoneErr: errors.New("no jack"),
	}

	got := gatherSignals(context.Background(), env, nil, testLogger())
	assert.Equal(t, Signals{}, got)
}

func TestGatherSignals_NilEnvironment(t *testing.T) {
	links := NewLinkCache(nil)
	links.Update("AA", true)

	got := gatherSignals(context.Background(), nil, links, testLogger())
	assert.Equal(t, Signals{SecondaryLinkConnected: true}, got)
}

func TestLayeredEnvironment_FallsBackToCache(t *testing.T) {
	cache := &cachedEnvironment{}
	cache.setPower(true)
	cache.setHeadphone(true)

	env := &layeredEnvironment{cache: cache}
	power, err := env.PowerConnected(context.Background())
	assert.NoError(t, err)
	assert.True(t, power)

	env.headphone = func(context.Context) (bool, error) { return false, nil }
	hp, err := env.HeadphoneConnected(context.Background())
	assert.NoError(t, err)
	assert.False(t, hp, "live source wins over the cache")
}
