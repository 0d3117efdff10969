package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/models"
)

// Sweeper runs the periodic session maintenance passes: buffer GC, idle
// session teardown and the sync-status heartbeat. Each pass has its own
// interval; a non-positive interval disables that pass.
type Sweeper struct {
	logger  *slog.Logger
	manager *Manager

	gcInterval        time.Duration
	ackedTTL          time.Duration
	retentionFloor    int
	idleTimeout       time.Duration
	idleInterval      time.Duration
	heartbeatInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper from the buffer and session config sections.
func NewSweeper(cfg *config.Config, manager *Manager, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		logger:            logger.With("component", "session_sweeper"),
		manager:           manager,
		gcInterval:        cfg.Buffer.GCInterval,
		ackedTTL:          cfg.Buffer.AckedTTL,
		retentionFloor:    cfg.Buffer.RetentionFloor,
		idleTimeout:       cfg.Sessions.IdleTimeout,
		idleInterval:      cfg.Sessions.SweepInterval,
		heartbeatInterval: cfg.Sessions.SyncHeartbeatInterval,
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Session sweeper started",
		"gc_interval", s.gcInterval,
		"idle_timeout", s.idleTimeout,
		"heartbeat_interval", s.heartbeatInterval)
}

// Stop cancels the loop and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Session sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	gc, gcC := tick(s.gcInterval)
	idle, idleC := tick(s.idleInterval)
	heartbeat, heartbeatC := tick(s.heartbeatInterval)
	defer stopAll(gc, idle, heartbeat)

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcC:
			s.reclaimBuffers()
		case <-idleC:
			s.sweepIdle()
		case <-heartbeatC:
			s.emitHeartbeats()
		}
	}
}

// tick returns a nil channel for non-positive intervals, which disables that
// select arm.
func tick(d time.Duration) (*time.Ticker, <-chan time.Time) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTicker(d)
	return t, t.C
}

func stopAll(tickers ...*time.Ticker) {
	for _, t := range tickers {
		if t != nil {
			t.Stop()
		}
	}
}

func (s *Sweeper) reclaimBuffers() {
	total := 0
	for _, sess := range s.manager.Sessions() {
		n := sess.Buffer.Reclaim(s.ackedTTL, s.retentionFloor)
		if n > 0 {
			s.manager.metrics.BufferReclaimed.Add(float64(n))
			total += n
		}
	}
	if total > 0 {
		s.logger.Debug("Buffer GC pass complete", "reclaimed", total)
	}
}

// sweepIdle destroys sessions with no connection and no activity past the
// idle timeout. Disabled timers never destroy sessions implicitly.
func (s *Sweeper) sweepIdle() {
	if s.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.idleTimeout)
	for _, sess := range s.manager.Sessions() {
		if sess.State() != StateInactive && sess.State() != StateError {
			continue
		}
		if sess.LastActivity().After(cutoff) {
			continue
		}
		if err := s.manager.Destroy(sess.TabID, "idle"); err != nil {
			s.logger.Warn("Idle destroy failed", "tab_id", sess.TabID, "error", err)
		}
	}
}

// emitHeartbeats sends a sync_status to every unsynced session so clients
// can render catch-up progress while acks are outstanding.
func (s *Sweeper) emitHeartbeats() {
	for _, sess := range s.manager.Sessions() {
		report := sess.Acks.Report()
		if report.Synced {
			continue
		}
		s.manager.SendTransient(sess, func(seq uint64) any {
			return models.SyncStatusFrame{
				Type:  models.FrameTypeSyncStatus,
				TabID: sess.TabID,
				Sync: models.SyncState{
					IsSynced:       false,
					BrokerToClient: uint64(report.PendingOutbound),
					ClientToBroker: uint64(report.BufferedInbound),
				},
				MissedCount: report.PendingOutbound,
				Seq:         seq,
			}
		})
	}
}
