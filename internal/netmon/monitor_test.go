package netmon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(debounce time.Duration) (*Monitor, *time.Time) {
	m := New(nil, time.Second, debounce, zap.NewNop())
	current := time.Now()
	m.now = func() time.Time { return current }
	return m, &current
}

func TestStartsOffline(t *testing.T) {
	m, _ := newTestMonitor(5 * time.Second)
	require.False(t, m.Online())
}

func TestFirstObservationPublishesImmediately(t *testing.T) {
	m, _ := newTestMonitor(5 * time.Second)
	sub := m.Subscribe()

	m.observe(true)
	require.True(t, m.Online())
	require.True(t, <-sub)
}

func TestMomentaryDropIsNotPublished(t *testing.T) {
	m, clock := newTestMonitor(5 * time.Second)
	m.observe(true)
	require.True(t, m.Online())

	// One failed probe, then recovery within the debounce window.
	*clock = clock.Add(time.Second)
	m.observe(false)
	require.True(t, m.Online())

	*clock = clock.Add(time.Second)
	m.observe(true)
	require.True(t, m.Online())

	// Even well past the window, the cancelled candidate has no effect.
	*clock = clock.Add(time.Minute)
	m.observe(true)
	require.True(t, m.Online())
}

func TestSustainedDropPublishesAfterDebounce(t *testing.T) {
	m, clock := newTestMonitor(5 * time.Second)
	m.observe(true)
	sub := m.Subscribe()

	m.observe(false) // candidate starts
	*clock = clock.Add(2 * time.Second)
	m.observe(false) // still inside the window
	require.True(t, m.Online())

	*clock = clock.Add(4 * time.Second)
	m.observe(false) // window elapsed
	require.False(t, m.Online())
	require.False(t, <-sub)
}

func TestRecoveryIsAlsoDebounced(t *testing.T) {
	m, clock := newTestMonitor(5 * time.Second)
	m.observe(false) // primes offline

	m.observe(true)
	require.False(t, m.Online())

	*clock = clock.Add(6 * time.Second)
	m.observe(true)
	require.True(t, m.Online())
}

func TestSlowSubscriberSeesLatestState(t *testing.T) {
	m, clock := newTestMonitor(time.Second)
	sub := m.Subscribe()

	m.observe(true) // published, buffered
	m.observe(false)
	*clock = clock.Add(2 * time.Second)
	m.observe(false) // published, replaces the buffered true

	require.False(t, <-sub)
}

func TestProbeLoopDrivesState(t *testing.T) {
	var healthy atomic.Bool
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("no route to host")
	}

	m := New(probe, 10*time.Millisecond, 25*time.Millisecond, zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	require.False(t, m.Online())

	healthy.Store(true)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
}

func TestStopClosesSubscribers(t *testing.T) {
	m, _ := newTestMonitor(time.Second)
	sub := m.Subscribe()
	m.Stop()

	_, open := <-sub
	require.False(t, open)
}

func TestSubscribeAfterStopReturnsClosedChannel(t *testing.T) {
	m, _ := newTestMonitor(time.Second)
	m.Stop()

	sub := m.Subscribe()
	_, open := <-sub
	require.False(t, open)
}
