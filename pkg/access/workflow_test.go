package access_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/store"
)

func TestSubmitRequest_AdminBypass(t *testing.T) {
	f := newFixture(t)

	sub, err := f.workflow.SubmitRequest(context.Background(), adminID, "root", day1)
	require.NoError(t, err)
	assert.Equal(t, access.OutcomeAdminBypass, sub.Outcome)

	count, err := f.store.CountPending(context.Background(), adminID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitRequest_NotifiesAdminsWithActions(t *testing.T) {
	f := newFixture(t)

	sub, err := f.workflow.SubmitRequest(context.Background(), 5, "eve", day1)
	require.NoError(t, err)
	assert.Equal(t, access.OutcomeSubmitted, sub.Outcome)

	msgs := f.notifier.adminMessages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Actions, 2)
	assert.Equal(t, notify.DecisionPayload{
		PrincipalID: 5, DisplayName: "eve", Action: notify.ActionApprove,
	}, msgs[0].Actions[0].Decision)
}

func TestSubmitRequest_Cooldown(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		elapsed   time.Duration
		outcome   access.Outcome
		wait      time.Duration
		pending   bool
		throttled bool
	}{
		{
			name:      "denied 59 minutes ago",
			status:    store.StatusDenied,
			elapsed:   59 * time.Minute,
			outcome:   access.OutcomeThrottled,
			wait:      time.Minute,
			throttled: true,
		},
		{
			name:    "denied 61 minutes ago",
			status:  store.StatusDenied,
			elapsed: 61 * time.Minute,
			outcome: access.OutcomeSubmitted,
		},
		{
			name:      "approved 10 minutes ago",
			status:    store.StatusApproved,
			elapsed:   10*time.Minute + 30*time.Second,
			outcome:   access.OutcomeThrottled,
			wait:      49 * time.Minute,
			throttled: true,
		},
		{
			name:      "pending for two hours",
			status:    store.StatusPending,
			elapsed:   2 * time.Hour,
			outcome:   access.OutcomeThrottled,
			pending:   true,
			throttled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			require.NoError(t, f.store.CreateRequest(ctx, &store.Request{
				PrincipalID: 5,
				RequestedAt: day1.Add(-tt.elapsed),
				Status:      tt.status,
			}))

			sub, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1)
			assert.Equal(t, tt.outcome, sub.Outcome)

			if !tt.throttled {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, access.ErrThrottled)

			var te *access.ThrottledError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.wait, te.Wait)
			assert.Equal(t, tt.pending, te.Pending)
			assert.Equal(t, tt.wait, sub.Wait)

			count, err := f.store.CountPending(ctx, 5)
			require.NoError(t, err)
			assert.LessOrEqual(t, count, int64(1))
		})
	}
}

func TestSubmitRequest_ActiveGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.grantApproved(t, 5, day1)

	_, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(time.Hour))
	require.NoError(t, err)

	sub, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, access.OutcomeActiveGrant, sub.Outcome)
	require.NotNil(t, sub.Grant)
	assert.Equal(t, 7, sub.Grant.DaysLeft)
	assert.Equal(t, 1, sub.Grant.PostsToday)
	assert.Equal(t, 3, sub.Grant.MaxPostsPerDay)
}

func TestSubmitRequest_ConcurrentKeepsOnePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		submitted int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			sub, _ := f.workflow.SubmitRequest(ctx, 5, "eve", day1)
			if sub.Outcome == access.OutcomeSubmitted {
				mu.Lock()
				submitted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, submitted)

	count, err := f.store.CountPending(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDecide_DenyThenRetryAfterCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1)
	require.NoError(t, err)

	dec, err := f.workflow.Decide(ctx, 5, "eve", false, adminID, day1.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dec.Applied)
	assert.False(t, dec.Approved)
	assert.Nil(t, dec.Grant)

	_, err = f.store.GetGrant(ctx, 5)
	require.ErrorIs(t, err, store.ErrNotFound)

	sent := f.notifier.sentTo(5)
	require.Len(t, sent, 1)
	assert.Equal(t, notify.DeniedMessage(), sent[0])

	_, err = f.workflow.SubmitRequest(ctx, 5, "eve", day1.Add(30*time.Minute))
	require.ErrorIs(t, err, access.ErrThrottled)

	sub, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, access.OutcomeSubmitted, sub.Outcome)
}

func TestDecide_WithoutPendingIsIgnored(t *testing.T) {
	f := newFixture(t)

	dec, err := f.workflow.Decide(context.Background(), 5, "eve", true, adminID, day1)
	require.NoError(t, err)
	assert.False(t, dec.Applied)

	_, err = f.store.GetGrant(context.Background(), 5)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.notifier.sentTo(5))
}

func TestDecide_ConcurrentApprovalsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)

	for i := range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			dec, err := f.workflow.Decide(ctx, 5, "eve", i%2 == 0, adminID, day1.Add(time.Minute))
			if err == nil && dec.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Len(t, f.notifier.sentTo(5), 1, "principal must hear exactly one outcome")

	latest, err := f.store.LatestRequest(ctx, 5)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusPending, latest.Status)
}

func TestDecide_ApprovalPolicy(t *testing.T) {
	tests := []struct {
		policy string
		limit  int
	}{
		{policy: config.ApprovalPolicyReset, limit: 3},
		{policy: config.ApprovalPolicyPreserveLimit, limit: 10},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			f := newFixture(t, func(c *config.AccessConfig) { c.ApprovalPolicy = tt.policy })
			ctx := context.Background()

			require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
				PrincipalID:    5,
				ExpiresAt:      day1.Add(-time.Hour),
				PostsToday:     2,
				LastPostDate:   ptr("2026-03-09"),
				MaxPostsPerDay: 10,
			}))

			f.grantApproved(t, 5, day1)

			g, err := f.store.GetGrant(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.limit, g.MaxPostsPerDay)
			assert.Equal(t, 0, g.PostsToday)
			assert.Nil(t, g.LastPostDate)
			assert.True(t, g.ExpiresAt.Equal(day1.Add(7*24*time.Hour)))
		})
	}
}

// Approve at 10:00, three posts are accepted, the fourth is rejected and
// the next day posting works again.
func TestScenario_ApprovePostLimitNextDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.grantApproved(t, 5, day1)

	for i := range 3 {
		verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(time.Duration(i+1)*time.Hour))
		require.NoError(t, err)
		require.True(t, verdict.Accepted, "post %d", i+1)
	}

	verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, access.ReasonDailyLimitReached, verdict.Reason)

	verdict, err = f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)

	// A lapsed grant rejects and disappears.
	verdict, err = f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, access.ReasonExpired, verdict.Reason)
}

func TestLapsePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRequest(ctx, &store.Request{
		PrincipalID: 5, RequestedAt: day1.Add(-48 * time.Hour), Status: store.StatusPending,
	}))
	require.NoError(t, f.store.CreateRequest(ctx, &store.Request{
		PrincipalID: 6, RequestedAt: day1.Add(-time.Hour), Status: store.StatusPending,
	}))

	n, err := f.workflow.LapsePending(ctx, day1.Add(-24*time.Hour), day1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := f.store.LatestRequest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDenied, latest.Status)
	require.Len(t, f.notifier.sentTo(5), 1)

	latest, err = f.store.LatestRequest(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, latest.Status)
	assert.Empty(t, f.notifier.sentTo(6))
}

// listHookStore runs onListed right after ListPendingBefore returns, which
// lets a test act between a lapse pass reading and closing requests.
type listHookStore struct {
	store.Store

	onListed func(ctx context.Context, reqs []store.Request)
}

func (s *listHookStore) ListPendingBefore(
	ctx context.Context, cutoff time.Time,
) ([]store.Request, error) {
	reqs, err := s.Store.ListPendingBefore(ctx, cutoff)
	if err == nil && s.onListed != nil {
		s.onListed(ctx, reqs)
	}

	return reqs, err
}

func TestLapsePending_LeavesNewerRequestAlone(t *testing.T) {
	var f *fixture

	f = newFixtureWith(t, fixtureOptions{
		wrap: func(inner store.Store) store.Store {
			return &listHookStore{
				Store: inner,
				onListed: func(ctx context.Context, reqs []store.Request) {
					require.Len(t, reqs, 1)

					dec, err := f.workflow.Decide(ctx, 5, "eve", false, adminID, day1.Add(-2*time.Minute))
					require.NoError(t, err)
					require.True(t, dec.Applied)

					sub, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1.Add(-time.Minute))
					require.NoError(t, err)
					require.Equal(t, access.OutcomeSubmitted, sub.Outcome)
				},
			}
		},
	})
	ctx := context.Background()

	require.NoError(t, f.store.CreateRequest(ctx, &store.Request{
		PrincipalID: 5, DisplayName: "eve", RequestedAt: day1.Add(-48 * time.Hour), Status: store.StatusPending,
	}))

	n, err := f.workflow.LapsePending(ctx, day1.Add(-24*time.Hour), day1)
	require.NoError(t, err)
	assert.Zero(t, n)

	latest, err := f.store.LatestRequest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, latest.Status)
	assert.True(t, latest.RequestedAt.Equal(day1.Add(-time.Minute)))

	assert.Equal(t, []notify.Message{notify.DeniedMessage()}, f.notifier.sentTo(5))
}

func TestSubmitAndDecide_ConcurrentKeepOnePending(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{fileDB: true}, func(c *config.AccessConfig) {
		c.Cooldown = 0
	})
	ctx := context.Background()

	var (
		workers    sync.WaitGroup
		watcher    sync.WaitGroup
		maxPending atomic.Int64
		submitted  atomic.Int64
		done       = make(chan struct{})
	)

	watcher.Add(1)

	go func() {
		defer watcher.Done()

		for {
			select {
			case <-done:
				return
			default:
			}

			count, err := f.store.CountPending(ctx, 5)
			if !assert.NoError(t, err) {
				return
			}

			if count > maxPending.Load() {
				maxPending.Store(count)
			}
		}
	}()

	for range 4 {
		workers.Add(1)

		go func() {
			defer workers.Done()

			for range 25 {
				sub, err := f.workflow.SubmitRequest(ctx, 5, "eve", day1)
				if err != nil {
					assert.ErrorIs(t, err, access.ErrThrottled)

					continue
				}

				if sub.Outcome == access.OutcomeSubmitted {
					submitted.Add(1)
				}
			}
		}()
	}

	for range 2 {
		workers.Add(1)

		go func() {
			defer workers.Done()

			for range 25 {
				_, err := f.workflow.Decide(ctx, 5, "eve", false, adminID, day1)
				assert.NoError(t, err)
			}
		}()
	}

	workers.Wait()
	close(done)
	watcher.Wait()

	assert.LessOrEqual(t, maxPending.Load(), int64(1))
	assert.Positive(t, submitted.Load())

	count, err := f.store.CountPending(ctx, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, int64(1))
}
