// Package maintenance runs the periodic background sweeps: an operational
// status summary and a credential expiry warning. Sweeps are observational
// only; they never mutate pool or credential state.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"overseer/internal/credential"
	"overseer/internal/domain"
	"overseer/internal/infra/config"
	"overseer/internal/metrics"
)

// expiryWarnWindow is how far ahead the expiry sweep looks.
const expiryWarnWindow = 7 * 24 * time.Hour

// StatusSource provides the pool snapshot for the status sweep.
type StatusSource interface {
	Status() domain.PoolStatus
}

// Sweeper owns the cron schedule for the background sweeps.
type Sweeper struct {
	cfg      config.MaintenanceConfig
	pool     StatusSource
	recorder *metrics.Recorder
	creds    *credential.Manager
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a Sweeper. Start registers and launches the schedules.
func New(cfg config.MaintenanceConfig, pool StatusSource, recorder *metrics.Recorder, creds *credential.Manager, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		pool:     pool,
		recorder: recorder,
		creds:    creds,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start registers the sweeps and starts the scheduler. A disabled config
// is a no-op.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.StatusSchedule, s.SweepStatus); err != nil {
		return domain.WrapOp("maintenance.schedule", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ExpirySchedule, s.SweepCredentialExpiry); err != nil {
		return domain.WrapOp("maintenance.schedule", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeps started",
		"status_schedule", s.cfg.StatusSchedule, "expiry_schedule", s.cfg.ExpirySchedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepStatus logs one operational snapshot: pool occupancy, queue depth,
// invocation latency percentiles, and the credential rotation state.
func (s *Sweeper) SweepStatus() {
	status := s.pool.Status()
	summary := s.recorder.Summary()
	credStatus := s.creds.Status()

	s.logger.Info("status sweep",
		"active_sessions", status.ActiveSessions,
		"max_sessions", status.MaxSessions,
		"queue_depth", status.QueueDepth,
		"total_requests", summary.TotalRequests,
		"success", summary.SuccessCount,
		"failure", summary.FailureCount,
		"avg_duration", summary.AvgDuration,
		"p95_duration", summary.P95Duration,
		"max_duration", summary.MaxDuration,
		"credential", credStatus.CurrentLabel,
		"has_backup", credStatus.HasBackup,
		"swap_count", credStatus.SwapCount,
	)
}

// SweepCredentialExpiry warns about credentials expiring inside the window
// so an operator can rotate them before the swap path finds a dead backup.
func (s *Sweeper) SweepCredentialExpiry() {
	labels := s.creds.ExpiringWithin(expiryWarnWindow)
	if len(labels) == 0 {
		return
	}
	s.logger.Warn("credentials expiring soon",
		"labels", labels, "window", expiryWarnWindow.String())
}
