package strategy

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classes(names ...string) (ClassProber, *atomic.Int32) {
	calls := &atomic.Int32{}
	return ProberFunc(func(n string) bool {
		calls.Add(1)
		for _, c := range names {
			if c == n {
				return true
			}
		}
		return false
	}), calls
}

func TestDetect(t *testing.T) {
	type testCase struct {
		name    string
		mode    Mode
		classes []string
		expect  Strategy
	}
	for _, tc := range []testCase{
		{name: "modern api", mode: ModeAuto, classes: []string{ModernProbeClass, LegacyProbeClass}, expect: Modern},
		{name: "legacy api", mode: ModeAuto, classes: []string{LegacyProbeClass}, expect: Legacy},
		{name: "no api", mode: ModeAuto, expect: Unavailable},
		{name: "empty mode is auto", mode: "", classes: []string{ModernProbeClass}, expect: Modern},
		{name: "forced legacy", mode: ModeLegacy, classes: []string{ModernProbeClass}, expect: Legacy},
		{name: "forced modern", mode: "MODERN", expect: Modern},
	} {
		t.Run(tc.name, func(t *testing.T) {
			prober, _ := classes(tc.classes...)
			sel, err := NewSelector(tc.mode, prober)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, sel.Detect())
		})
	}
}

func TestDetect_LooksUpOnce(t *testing.T) {
	prober, calls := classes(LegacyProbeClass)
	sel, err := NewSelector(ModeAuto, prober)
	require.NoError(t, err)
	_, ok := sel.Detected()
	assert.False(t, ok)
	assert.Zero(t, calls.Load(), "Detected must not probe")

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, Legacy, sel.Detect())
		}()
	}
	wg.Wait()
	// one failed probe for the modern API, one successful for the legacy one
	assert.EqualValues(t, 2, calls.Load())
	s, ok := sel.Detected()
	assert.True(t, ok)
	assert.Equal(t, Legacy, s)
}

func TestNewSelector_InvalidMode(t *testing.T) {
	_, err := NewSelector("jrockit", nil)
	assert.Error(t, err)
}

func TestFixed(t *testing.T) {
	assert.Equal(t, Legacy, Fixed(Legacy).Detect())
	s, ok := Fixed(Modern).Detected()
	assert.True(t, ok)
	assert.Equal(t, Modern, s)
	assert.Equal(t, "unavailable", Fixed(Unavailable).Detect().String())
}
