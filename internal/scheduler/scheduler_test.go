package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agroflow/field-agent/internal/models"
	"github.com/agroflow/field-agent/internal/syncer"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDrainer struct {
	mu       sync.Mutex
	running  bool
	sessions int32
	entered  int32
	block    chan struct{}
}

func (d *fakeDrainer) Drain(ctx context.Context) (*models.SyncSession, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, syncer.ErrDrainInProgress
	}
	d.running = true
	block := d.block
	d.mu.Unlock()
	atomic.AddInt32(&d.entered, 1)

	if block != nil {
		<-block
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	atomic.AddInt32(&d.sessions, 1)
	return &models.SyncSession{ID: "s"}, nil
}

func (d *fakeDrainer) count() int32 { return atomic.LoadInt32(&d.sessions) }

type fakeNetwork struct {
	online atomic.Bool
	ch     chan bool
}

func newFakeNetwork(online bool) *fakeNetwork {
	n := &fakeNetwork{ch: make(chan bool, 1)}
	n.online.Store(online)
	return n
}

func (n *fakeNetwork) Online() bool           { return n.online.Load() }
func (n *fakeNetwork) Subscribe() <-chan bool { return n.ch }

func (n *fakeNetwork) transition(online bool) {
	n.online.Store(online)
	n.ch <- online
}

func startScheduler(t *testing.T, d Drainer, n Connectivity, interval time.Duration) *Scheduler {
	t.Helper()
	s := New(d, n, interval, zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestPeriodicTriggerDrainsWhileOnline(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(true)
	startScheduler(t, drainer, network, 10*time.Millisecond)

	require.Eventually(t, func() bool { return drainer.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPeriodicTriggerSkippedWhileOffline(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(false)
	startScheduler(t, drainer, network, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, drainer.count())
}

func TestOnlineTransitionTriggersDrain(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(false)
	startScheduler(t, drainer, network, time.Hour)

	network.transition(true)
	require.Eventually(t, func() bool { return drainer.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOfflineTransitionDoesNotTriggerDrain(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(true)
	startScheduler(t, drainer, network, time.Hour)

	network.transition(false)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, drainer.count())
}

func TestSyncNowFiresEvenWhileOffline(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(false)
	s := startScheduler(t, drainer, network, time.Hour)

	s.SyncNow()
	require.Eventually(t, func() bool { return drainer.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWakeSkippedWhileOffline(t *testing.T) {
	drainer := &fakeDrainer{}
	network := newFakeNetwork(false)
	s := startScheduler(t, drainer, network, time.Hour)

	s.Wake()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, drainer.count())

	network.online.Store(true)
	s.Wake()
	require.Eventually(t, func() bool { return drainer.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedundantTriggersCollapse(t *testing.T) {
	drainer := &fakeDrainer{block: make(chan struct{})}
	network := newFakeNetwork(true)
	s := startScheduler(t, drainer, network, time.Hour)

	// First trigger enters the drain and blocks there.
	s.SyncNow()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&drainer.entered) == 1
	}, time.Second, time.Millisecond)

	// Three more triggers land while the drain is still running; all of
	// them collapse into the in-progress cycle.
	s.SyncNow()
	s.SyncNow()
	s.Wake()
	close(drainer.block)

	require.Eventually(t, func() bool { return drainer.count() == 1 }, time.Second, 5*time.Millisecond)

	// No trailing drain replays the collapsed triggers.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), drainer.count())
}
