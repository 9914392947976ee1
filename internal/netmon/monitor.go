package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks reachability of the backend. A nil return means online.
type Probe func(ctx context.Context) error

// Monitor maintains a debounced online/offline state from periodic probes.
// A state change is published only after the new state has held for the
// debounce window, so a momentary drop between two probes never flaps the
// published state.
type Monitor struct {
	probe    Probe
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	online         bool
	stopped        bool
	primed         bool
	candidate      bool
	candidateSince time.Time
	hasCandidate   bool
	subs           []chan bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(probe Probe, interval, debounce time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Online reports the current published state. Before the first probe
// completes the monitor reads as offline.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives the published state on every
// change. Notifications coalesce: a slow reader sees the latest state, not
// the full history. After Stop the returned channel is already closed.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Start probes on the configured interval until Stop is called. The first
// probe runs immediately so startup does not wait a full interval for the
// initial state.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runProbe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runProbe(ctx)
			}
		}
	}()
}

// Stop halts probing and closes subscriber channels.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.mu.Lock()
		m.stopped = true
		for _, ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.mu.Unlock()
	})
}

func (m *Monitor) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(probeCtx)
	m.observe(err == nil)
}

// observe feeds one probe result into the debounce state machine. The very
// first observation publishes immediately; after that a differing observation
// becomes a candidate that must hold for the debounce window before it is
// published.
func (m *Monitor) observe(observed bool) {
	m.mu.Lock()

	if !m.primed {
		m.primed = true
		if observed == m.online {
			m.mu.Unlock()
			return
		}
		m.publishLocked(observed)
		return
	}

	if observed == m.online {
		m.hasCandidate = false
		m.mu.Unlock()
		return
	}

	if !m.hasCandidate || m.candidate != observed {
		m.hasCandidate = true
		m.candidate = observed
		m.candidateSince = m.now()
		m.mu.Unlock()
		return
	}

	if m.now().Sub(m.candidateSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.hasCandidate = false
	m.publishLocked(observed)
}

// publishLocked flips the published state and notifies subscribers. The
// caller holds m.mu; this releases it.
func (m *Monitor) publishLocked(state bool) {
	m.online = state
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("Connectivity state changed", zap.Bool("online", state))
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			// Drop the stale value so the reader always sees the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}
