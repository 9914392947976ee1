package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agroflow/field-agent/internal/models"
	"github.com/agroflow/field-agent/internal/syncer"

	"go.uber.org/zap"
)

// Drainer runs one sync cycle. Satisfied by the sync coordinator.
type Drainer interface {
	Drain(ctx context.Context) (*models.SyncSession, error)
}

// Connectivity is what the scheduler needs from the network monitor.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan bool
}

// Scheduler funnels every sync trigger into the coordinator's single-flight
// entry point: a periodic timer, offline-to-online transitions, explicit
// user action, and host wake opportunities. Near-simultaneous triggers
// collapse into one drain cycle.
type Scheduler struct {
	drainer Drainer
	network Connectivity
	logger  *zap.Logger

	interval time.Duration
	wakeCh   chan string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(drainer Drainer, network Connectivity, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		drainer:  drainer,
		network:  network,
		logger:   logger,
		interval: interval,
		wakeCh:   make(chan string, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the trigger loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the trigger loop and waits for a drain in progress to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

// SyncNow requests an immediate drain on explicit user action. It always
// fires, even while the monitor reads offline: the user's judgement about
// connectivity beats the probe's.
func (s *Scheduler) SyncNow() {
	s.enqueue("manual")
}

// Wake requests a drain on a host-provided background-wake opportunity.
// Best-effort; skipped while offline so a doomed attempt does not burn
// retry budget.
func (s *Scheduler) Wake() {
	if !s.network.Online() {
		s.logger.Debug("Skipping wake trigger while offline")
		return
	}
	s.enqueue("wake")
}

func (s *Scheduler) enqueue(trigger string) {
	select {
	case s.wakeCh <- trigger:
	default:
		// A trigger is already queued or a drain is running; this one
		// collapses into it.
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	transitions := s.network.Subscribe()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return

		case <-ticker.C:
			// Periodic drains while offline would only burn each record's
			// retry budget; the online transition catches up instead.
			if !s.network.Online() {
				continue
			}
			s.drain(ctx, "periodic")
			s.collapsePending(ticker)

		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if online {
				s.drain(ctx, "online")
				s.collapsePending(ticker)
			}

		case trigger := <-s.wakeCh:
			s.drain(ctx, trigger)
			s.collapsePending(ticker)
		}
	}
}

// collapsePending discards triggers and ticks that queued up while the drain
// ran: the cycle that just completed already served them, so replaying them
// would break the one-cycle-per-burst guarantee.
func (s *Scheduler) collapsePending(ticker *time.Ticker) {
	select {
	case <-s.wakeCh:
	default:
	}
	select {
	case <-ticker.C:
	default:
	}
}

func (s *Scheduler) drain(ctx context.Context, trigger string) {
	session, err := s.drainer.Drain(ctx)
	switch {
	case errors.Is(err, syncer.ErrDrainInProgress):
		s.logger.Debug("Drain already running, trigger collapsed", zap.String("trigger", trigger))
	case errors.Is(err, syncer.ErrStopped):
		s.logger.Debug("Coordinator stopped, trigger ignored", zap.String("trigger", trigger))
	case err != nil:
		s.logger.Error("Drain cycle failed", zap.String("trigger", trigger), zap.Error(err))
	default:
		s.logger.Debug("Drain cycle completed",
			zap.String("trigger", trigger),
			zap.String("session_id", session.ID))
	}
}
