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

// Outcome is the result class of an access request.
type Outcome string

// Request outcomes.
const (
	OutcomeAdminBypass Outcome = "admin_bypass"
	OutcomeActiveGrant Outcome = "active_grant"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeSubmitted   Outcome = "submitted"
)

// Submission is what SubmitRequest reports back to the requester.
type Submission struct {
	Outcome Outcome       `json:"outcome"`
	Grant   *GrantView    `json:"grant,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
	Pending bool          `json:"pending,omitempty"`
}

// Decision is the result of an administrator's approve/deny.
type Decision struct {
	// Applied is false when the request was no longer pending.
	Applied  bool       `json:"applied"`
	Approved bool       `json:"approved"`
	Grant    *GrantView `json:"grant,omitempty"`
}

// Workflow runs the request/approval state machine.
type Workflow interface {
	// SubmitRequest records a new pending request or explains why none was
	// recorded. A throttled submission also returns a *ThrottledError.
	SubmitRequest(
		ctx context.Context, principalID int64, displayName string, now time.Time,
	) (Submission, error)
	// Decide moves the principal's pending request to approved or denied.
	// Only the first decision on a request applies.
	Decide(
		ctx context.Context,
		principalID int64,
		displayName string,
		approve bool,
		decidedBy int64,
		now time.Time,
	) (Decision, error)
	// LapsePending denies every request still pending since before cutoff
	// and returns how many were closed.
	LapsePending(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Compile-time interface check.
var _ Workflow = (*workflow)(nil)

type workflow struct {
	log      logrus.FieldLogger
	store    store.Store
	cfg      *config.AccessConfig
	loc      *time.Location
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewWorkflow creates a Workflow over st.
func NewWorkflow(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.AccessConfig,
	notifier Notifier,
	m *metrics.Metrics,
) Workflow {
	return &workflow{
		log:      log.WithField("component", "workflow"),
		store:    st,
		cfg:      cfg,
		loc:      cfg.Location(),
		notifier: notifier,
		metrics:  m,
	}
}

func (w *workflow) SubmitRequest(
	ctx context.Context, principalID int64, displayName string, now time.Time,
) (Submission, error) {
	sub, err := w.submit(ctx, principalID, displayName, now)
	if err != nil {
		return Submission{}, err
	}

	w.metrics.ObserveSubmission(string(sub.Outcome))

	log := w.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"outcome":      sub.Outcome,
	})

	switch sub.Outcome {
	case OutcomeThrottled:
		log.WithField("wait", sub.Wait).Debug("Request throttled")

		return sub, &ThrottledError{Wait: sub.Wait, Pending: sub.Pending}
	case OutcomeSubmitted:
		log.Info("Access request submitted")

		w.notifier.NotifyAdmins(
			context.WithoutCancel(ctx),
			notify.NewRequestMessage(principalID, displayName),
		)
	}

	return sub, nil
}

func (w *workflow) submit(
	ctx context.Context, principalID int64, displayName string, now time.Time,
) (Submission, error) {
	if w.cfg.IsAdmin(principalID) {
		return Submission{Outcome: OutcomeAdminBypass}, nil
	}

	var sub Submission

	err := w.store.Transaction(ctx, func(q store.Queries) error {
		grant, err := q.GetGrant(ctx, principalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if grant != nil && !grant.Expired(now) {
			view := viewOf(grant, now, w.loc)
			sub = Submission{Outcome: OutcomeActiveGrant, Grant: &view}

			return nil
		}

		latest, err := q.LatestRequest(ctx, principalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if latest != nil {
			if throttled, ok := w.throttle(latest, now); ok {
				sub = throttled

				return nil
			}
		}

		sub = Submission{Outcome: OutcomeSubmitted}

		return q.CreateRequest(ctx, &store.Request{
			PrincipalID: principalID,
			DisplayName: displayName,
			RequestedAt: now,
			Status:      store.StatusPending,
		})
	})
	if err == nil {
		return sub, nil
	}

	// A concurrent submission may have won the pending slot between our
	// read and insert. Report that as throttled rather than a failure.
	if latest, lerr := w.store.LatestRequest(ctx, principalID); lerr == nil &&
		latest.Status == store.StatusPending {
		throttled, _ := w.throttle(latest, now)
		throttled.Pending = true

		return throttled, nil
	}

	return Submission{}, storeErr("submitting request", err)
}

// throttle applies the cooldown, keyed off the most recent request of any
// status. A pending request always throttles.
func (w *workflow) throttle(latest *store.Request, now time.Time) (Submission, bool) {
	elapsed := now.Sub(latest.RequestedAt)
	pending := latest.Status == store.StatusPending

	if !pending && elapsed >= w.cfg.Cooldown {
		return Submission{}, false
	}

	wait := max((w.cfg.Cooldown - elapsed).Truncate(time.Minute), 0)

	return Submission{
		Outcome: OutcomeThrottled,
		Wait:    wait,
		Pending: pending,
	}, true
}

func (w *workflow) Decide(
	ctx context.Context,
	principalID int64,
	displayName string,
	approve bool,
	decidedBy int64,
	now time.Time,
) (Decision, error) {
	status := store.StatusDenied
	if approve {
		status = store.StatusApproved
	}

	decision := Decision{Approved: approve}

	err := w.store.Transaction(ctx, func(q store.Queries) error {
		n, err := q.DecidePending(ctx, principalID, status, now)
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}

		decision.Applied = true

		if !approve {
			return nil
		}

		limit := w.cfg.DefaultMaxPosts

		if w.cfg.ApprovalPolicy == config.ApprovalPolicyPreserveLimit {
			existing, err := q.LockGrant(ctx, principalID)

			switch {
			case err == nil:
				limit = existing.MaxPostsPerDay
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		grant := &store.Grant{
			PrincipalID:    principalID,
			DisplayName:    displayName,
			ExpiresAt:      now.Add(w.cfg.Term),
			MaxPostsPerDay: limit,
		}

		if err := q.ReplaceGrant(ctx, grant); err != nil {
			return err
		}

		view := viewOf(grant, now, w.loc)
		decision.Grant = &view

		return nil
	})
	if err != nil {
		return Decision{}, storeErr("deciding request", err)
	}

	action := string(notify.ActionDeny)
	if approve {
		action = string(notify.ActionApprove)
	}

	w.metrics.ObserveDecision(action, decision.Applied)

	log := w.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"action":       action,
		"decided_by":   decidedBy,
	})

	if !decision.Applied {
		log.Debug("Decision ignored, request no longer pending")

		return decision, nil
	}

	log.Info("Request decided")

	notifyCtx := context.WithoutCancel(ctx)

	msg := notify.DeniedMessage()
	if approve {
		msg = notify.ApprovedMessage(w.cfg.Term, decision.Grant.MaxPostsPerDay)
	}

	_ = w.notifier.Notify(notifyCtx, principalID, msg)

	w.notifier.NotifyAdmins(
		notifyCtx,
		notify.DecidedNoticeMessage(principalID, displayName, approve, decidedBy),
		decidedBy,
	)

	return decision, nil
}

func (w *workflow) LapsePending(
	ctx context.Context, cutoff, now time.Time,
) (int, error) {
	stale, err := w.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, storeErr("listing stale requests", err)
	}

	lapsed := 0

	for _, req := range stale {
		n, err := w.store.DecidePendingByID(ctx, req.ID, store.StatusDenied, now)
		if err != nil {
			return lapsed, storeErr("lapsing request", err)
		}

		// Decided by an administrator since the listing.
		if n == 0 {
			continue
		}

		lapsed++

		w.log.WithField("principal_id", req.PrincipalID).Info("Pending request lapsed")

		_ = w.notifier.Notify(
			context.WithoutCancel(ctx),
			req.PrincipalID,
			notify.LapsedMessage(now.Sub(cutoff)),
		)
	}

	return lapsed, nil
}
