package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt, base, max)
		require.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		require.LessOrEqual(t, d, max, "attempt %d", attempt)
	}
}

func TestBackoffDelayGrows(t *testing.T) {
	base := time.Second
	max := time.Hour

	// With jitter at ±20%, attempt 5 (16s nominal) always exceeds attempt 1
	// (1s nominal) by a wide margin.
	early := backoffDelay(1, base, max)
	late := backoffDelay(5, base, max)
	require.Greater(t, late, early)
}

func TestBackoffDelayCapped(t *testing.T) {
	d := backoffDelay(50, time.Second, 10*time.Second)
	require.LessOrEqual(t, d, 10*time.Second)
}
