// Package access holds the posting-privilege rules: the per-post evaluator
// and the request/approval workflow. Every mutation is one short store
// transaction; notifications are sent only after it commits.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/metrics"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// RejectReason explains why a post was refused.
type RejectReason string

// Reject reasons.
const (
	ReasonNone              RejectReason = ""
	ReasonNoGrant           RejectReason = "no_grant"
	ReasonExpired           RejectReason = "expired"
	ReasonDailyLimitReached RejectReason = "daily_limit_reached"
)

// PostVerdict is the outcome of one post attempt.
type PostVerdict struct {
	Accepted   bool         `json:"accepted"`
	Reason     RejectReason `json:"reason,omitempty"`
	PostsToday int          `json:"posts_today"`
	Limit      int          `json:"limit"`
}

// Evaluator decides individual post attempts and applies administrator
// adjustments to grants.
type Evaluator interface {
	// EvaluatePost admits or rejects one post. Administrators are never
	// passed to it.
	EvaluatePost(
		ctx context.Context, principalID int64, displayName string, now time.Time,
	) (PostVerdict, error)
	// ExtendGrant pushes the expiry out by days and returns the new expiry.
	ExtendGrant(
		ctx context.Context, principalID int64, days int, now time.Time,
	) (time.Time, error)
	SetLimit(ctx context.Context, principalID int64, limit int) error
	ResetCounter(ctx context.Context, principalID int64) error
	// ResetAllCounters returns how many counters actually changed.
	ResetAllCounters(ctx context.Context) (int64, error)
	// Revoke removes a grant and tells the principal.
	Revoke(ctx context.Context, principalID int64, now time.Time) (*GrantView, error)
	ListActive(ctx context.Context, now time.Time) ([]GrantView, error)
	// Status returns ErrNotFound without a grant and ErrExpired when the
	// grant has lapsed but was not yet swept.
	Status(ctx context.Context, principalID int64, now time.Time) (*GrantView, error)
}

// Compile-time interface check.
var _ Evaluator = (*evaluator)(nil)

type evaluator struct {
	log      logrus.FieldLogger
	store    store.Store
	cfg      *config.AccessConfig
	loc      *time.Location
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewEvaluator creates an Evaluator over st.
func NewEvaluator(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.AccessConfig,
	notifier Notifier,
	m *metrics.Metrics,
) Evaluator {
	return &evaluator{
		log:      log.WithField("component", "evaluator"),
		store:    st,
		cfg:      cfg,
		loc:      cfg.Location(),
		notifier: notifier,
		metrics:  m,
	}
}

func (e *evaluator) EvaluatePost(
	ctx context.Context, principalID int64, displayName string, now time.Time,
) (PostVerdict, error) {
	var verdict PostVerdict

	err := e.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.LockGrant(ctx, principalID)
		if errors.Is(err, store.ErrNotFound) {
			verdict = PostVerdict{Reason: ReasonNoGrant}

			return nil
		}

		if err != nil {
			return err
		}

		if grant.Expired(now) {
			if _, err := q.DeleteGrant(ctx, principalID); err != nil {
				return err
			}

			verdict = PostVerdict{Reason: ReasonExpired, Limit: grant.MaxPostsPerDay}

			return nil
		}

		today := store.DateOf(now, e.loc)
		used := grant.EffectivePostsToday(today)

		if used >= grant.MaxPostsPerDay {
			verdict = PostVerdict{
				Reason:     ReasonDailyLimitReached,
				PostsToday: used,
				Limit:      grant.MaxPostsPerDay,
			}

			return nil
		}

		grant.PostsToday = used + 1
		grant.LastPostDate = &today

		if displayName != "" {
			grant.DisplayName = displayName
		}

		if err := q.SaveGrant(ctx, grant); err != nil {
			return err
		}

		verdict = PostVerdict{
			Accepted:   true,
			PostsToday: grant.PostsToday,
			Limit:      grant.MaxPostsPerDay,
		}

		return nil
	})
	if err != nil {
		return PostVerdict{}, storeErr("evaluating post", err)
	}

	result := "accepted"
	if !verdict.Accepted {
		result = string(verdict.Reason)
	}

	e.metrics.ObservePost(result)

	e.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"result":       result,
		"posts_today":  verdict.PostsToday,
	}).Debug("Evaluated post")

	return verdict, nil
}

func (e *evaluator) ExtendGrant(
	ctx context.Context, principalID int64, days int, now time.Time,
) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, invalidArg("days must be positive, got %d", days)
	}

	var expiry time.Time

	err := e.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.LockGrant(ctx, principalID)
		if err != nil {
			return err
		}

		base := grant.ExpiresAt
		if grant.Expired(now) {
			base = now
		}

		grant.ExpiresAt = base.Add(time.Duration(days) * 24 * time.Hour)
		expiry = grant.ExpiresAt.UTC()

		return q.SaveGrant(ctx, grant)
	})
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, ErrNotFound
	}

	if err != nil {
		return time.Time{}, storeErr("extending grant", err)
	}

	e.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"days":         days,
		"expires_at":   expiry,
	}).Info("Grant extended")

	return expiry, nil
}

func (e *evaluator) SetLimit(
	ctx context.Context, principalID int64, limit int,
) error {
	if limit <= 0 {
		return invalidArg("limit must be positive, got %d", limit)
	}

	err := e.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.LockGrant(ctx, principalID)
		if err != nil {
			return err
		}

		grant.MaxPostsPerDay = limit

		return q.SaveGrant(ctx, grant)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}

	if err != nil {
		return storeErr("setting limit", err)
	}

	e.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"limit":        limit,
	}).Info("Daily limit changed")

	return nil
}

func (e *evaluator) ResetCounter(ctx context.Context, principalID int64) error {
	found, err := e.store.ResetPostsToday(ctx, principalID)
	if err != nil {
		return storeErr("resetting counter", err)
	}

	if !found {
		return ErrNotFound
	}

	return nil
}

func (e *evaluator) ResetAllCounters(ctx context.Context) (int64, error) {
	n, err := e.store.ResetAllPostsToday(ctx)
	if err != nil {
		return 0, storeErr("resetting counters", err)
	}

	return n, nil
}

func (e *evaluator) Revoke(
	ctx context.Context, principalID int64, now time.Time,
) (*GrantView, error) {
	var removed *store.Grant

	err := e.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.LockGrant(ctx, principalID)
		if err != nil {
			return err
		}

		if _, err := q.DeleteGrant(ctx, principalID); err != nil {
			return err
		}

		removed = grant

		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, storeErr("revoking grant", err)
	}

	e.log.WithField("principal_id", principalID).Info("Grant revoked")

	_ = e.notifier.Notify(
		context.WithoutCancel(ctx), principalID, notify.RevokedMessage(),
	)

	view := viewOf(removed, now, e.loc)

	return &view, nil
}

func (e *evaluator) ListActive(
	ctx context.Context, now time.Time,
) ([]GrantView, error) {
	grants, err := e.store.ListGrants(ctx)
	if err != nil {
		return nil, storeErr("listing grants", err)
	}

	views := make([]GrantView, 0, len(grants))

	for i := range grants {
		if grants[i].Expired(now) {
			continue
		}

		views = append(views, viewOf(&grants[i], now, e.loc))
	}

	return views, nil
}

func (e *evaluator) Status(
	ctx context.Context, principalID int64, now time.Time,
) (*GrantView, error) {
	grant, err := e.store.GetGrant(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, storeErr("reading grant", err)
	}

	if grant.Expired(now) {
		return nil, ErrExpired
	}

	view := viewOf(grant, now, e.loc)

	return &view, nil
}
