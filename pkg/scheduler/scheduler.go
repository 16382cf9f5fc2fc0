// Package scheduler runs the background reconciliation loops that keep
// stored grants and requests consistent with wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/metrics"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Loop names used in logs and metrics.
const (
	LoopDailyReset = "daily_reset"
	LoopExpiry     = "expiry_sweep"
	LoopCleanup    = "request_cleanup"
)

// Scheduler owns the daily reset, expiry sweep and request cleanup loops.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// ResetDaily zeroes every post counter.
	ResetDaily(ctx context.Context) (int64, error)
	// SweepExpired removes every grant lapsed at now and notifies the
	// affected principals and the administrators.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// CleanupRequests lapses stale pending requests and deletes decided
	// requests past retention.
	CleanupRequests(ctx context.Context, now time.Time) error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log       logrus.FieldLogger
	store     store.Store
	evaluator access.Evaluator
	workflow  access.Workflow
	notifier  access.Notifier
	cfg       *config.SchedulerConfig
	loc       *time.Location
	metrics   *metrics.Metrics
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates the reconciliation scheduler.
func NewScheduler(
	log logrus.FieldLogger,
	st store.Store,
	evaluator access.Evaluator,
	workflow access.Workflow,
	notifier access.Notifier,
	accessCfg *config.AccessConfig,
	cfg *config.SchedulerConfig,
	m *metrics.Metrics,
) Scheduler {
	return &scheduler{
		log:       log.WithField("component", "scheduler"),
		store:     st,
		evaluator: evaluator,
		workflow:  workflow,
		notifier:  notifier,
		cfg:       cfg,
		loc:       accessCfg.Location(),
		metrics:   m,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches one goroutine per loop. The expiry sweep and the cleanup
// run once immediately; the daily reset first fires at the next local
// midnight.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"sweep_interval":    s.cfg.SweepInterval.String(),
		"cleanup_interval":  s.cfg.CleanupInterval.String(),
		"request_retention": s.cfg.RequestRetention.String(),
		"pending_ttl":       s.cfg.PendingTTL.String(),
		"timezone":          s.loc.String(),
	}).Info("Starting scheduler")

	s.wg.Add(3)

	go s.runDailyReset(ctx)
	go s.runTicker(ctx, LoopExpiry, s.cfg.SweepInterval, func(passCtx context.Context) error {
		_, err := s.SweepExpired(passCtx, s.now())

		return err
	})
	go s.runTicker(ctx, LoopCleanup, s.cfg.CleanupInterval, func(passCtx context.Context) error {
		return s.CleanupRequests(passCtx, s.now())
	})

	return nil
}

// Stop signals every loop and waits for in-flight passes to finish.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) runDailyReset(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.now()
		timer := time.NewTimer(NextMidnight(now, s.loc).Sub(now))

		select {
		case <-timer.C:
			s.runPass(ctx, LoopDailyReset, func(passCtx context.Context) error {
				_, err := s.ResetDaily(passCtx)

				return err
			})
		case <-s.done:
			timer.Stop()

			return
		case <-ctx.Done():
			timer.Stop()

			return
		}
	}
}

func (s *scheduler) runTicker(
	ctx context.Context,
	loop string,
	interval time.Duration,
	pass func(context.Context) error,
) {
	defer s.wg.Done()

	s.runPass(ctx, loop, pass)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runPass(ctx, loop, pass)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runPass executes one pass on a context detached from cancellation so a
// shutdown lets it complete.
func (s *scheduler) runPass(
	ctx context.Context, loop string, pass func(context.Context) error,
) {
	select {
	case <-s.done:
		return
	default:
	}

	start := time.Now()
	err := pass(context.WithoutCancel(ctx))
	elapsed := time.Since(start)

	s.metrics.ObservePass(loop, elapsed.Seconds(), err)

	log := s.log.WithFields(logrus.Fields{
		"loop":     loop,
		"duration": elapsed.Round(time.Millisecond),
	})

	if err != nil {
		log.WithError(err).Error("Scheduler pass failed")

		return
	}

	log.Debug("Scheduler pass completed")
}

func (s *scheduler) ResetDaily(ctx context.Context) (int64, error) {
	n, err := s.evaluator.ResetAllCounters(ctx)
	if err != nil {
		return 0, fmt.Errorf("resetting daily counters: %w", err)
	}

	s.log.WithField("changed", n).Info("Daily post counters reset")

	return n, nil
}

func (s *scheduler) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.store.ListExpiredGrants(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired grants: %w", err)
	}

	removed := 0

	var errs []error

	for _, candidate := range candidates {
		deleted, err := s.expire(ctx, candidate.PrincipalID, now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if deleted == nil {
			continue
		}

		removed++

		s.log.WithField("principal_id", deleted.PrincipalID).Info("Grant expired")

		_ = s.notifier.Notify(ctx, deleted.PrincipalID, notify.ExpiredMessage())
		s.notifier.NotifyAdmins(
			ctx, notify.ExpiredAdminMessage(deleted.PrincipalID, deleted.DisplayName),
		)
	}

	s.metrics.AddExpired(removed)

	return removed, errors.Join(errs...)
}

// expire deletes the grant if it is still lapsed. A grant renewed since the
// listing is left alone and nil is returned.
func (s *scheduler) expire(
	ctx context.Context, principalID int64, now time.Time,
) (*store.Grant, error) {
	var deleted *store.Grant

	err := s.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.LockGrant(ctx, principalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !grant.Expired(now) {
			return nil
		}

		if _, err := q.DeleteGrant(ctx, principalID); err != nil {
			return err
		}

		deleted = grant

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expiring grant %d: %w", principalID, err)
	}

	return deleted, nil
}

func (s *scheduler) CleanupRequests(ctx context.Context, now time.Time) error {
	var errs []error

	if s.cfg.PendingTTL > 0 {
		lapsed, err := s.workflow.LapsePending(ctx, now.Add(-s.cfg.PendingTTL), now)
		if err != nil {
			errs = append(errs, fmt.Errorf("lapsing pending requests: %w", err))
		}

		s.metrics.AddLapsed(lapsed)
	}

	cleaned, err := s.store.DeleteDecidedBefore(ctx, now.Add(-s.cfg.RequestRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("deleting decided requests: %w", err))
	}

	s.metrics.AddCleaned(cleaned)

	if cleaned > 0 {
		s.log.WithField("deleted", cleaned).Info("Old requests removed")
	}

	return errors.Join(errs...)
}

// NextMidnight returns the first midnight in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()

	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
