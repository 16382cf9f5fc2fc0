package access_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/store"
)

func TestEvaluatePost_NoGrant(t *testing.T) {
	f := newFixture(t)

	verdict, err := f.evaluator.EvaluatePost(context.Background(), 5, "eve", day1)
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, access.ReasonNoGrant, verdict.Reason)
}

func TestEvaluatePost_ExpiredGrantIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID: 5, ExpiresAt: day1, MaxPostsPerDay: 3,
	}))

	verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonExpired, verdict.Reason)

	_, err = f.store.GetGrant(ctx, 5)
	require.ErrorIs(t, err, store.ErrNotFound)

	verdict, err = f.evaluator.EvaluatePost(ctx, 5, "eve", day1)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNoGrant, verdict.Reason)
}

func TestEvaluatePost_DailyCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID: 5, ExpiresAt: day1.Add(72 * time.Hour), MaxPostsPerDay: 2,
	}))

	for i := 1; i <= 2; i++ {
		verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.True(t, verdict.Accepted)
		assert.Equal(t, i, verdict.PostsToday)
		assert.Equal(t, 2, verdict.Limit)
	}

	verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, access.ReasonDailyLimitReached, verdict.Reason)

	// A new calendar day starts from zero even without the daily reset.
	verdict, err = f.evaluator.EvaluatePost(ctx, 5, "eve2", day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
	assert.Equal(t, 1, verdict.PostsToday)

	g, err := f.store.GetGrant(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "eve2", g.DisplayName)
	require.NotNil(t, g.LastPostDate)
	assert.Equal(t, "2026-03-10", *g.LastPostDate)
}

func TestEvaluatePost_UsesReferenceZone(t *testing.T) {
	f := newFixture(t, func(c *config.AccessConfig) { c.Timezone = "Asia/Tokyo" })
	ctx := context.Background()

	// 14:00 UTC is 23:00 in Tokyo; 16:00 UTC is the next Tokyo day.
	before := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC)

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID:    5,
		ExpiresAt:      after.Add(48 * time.Hour),
		PostsToday:     3,
		LastPostDate:   ptr("2026-03-09"),
		MaxPostsPerDay: 3,
	}))

	verdict, err := f.evaluator.EvaluatePost(ctx, 5, "", before)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonDailyLimitReached, verdict.Reason)

	verdict, err = f.evaluator.EvaluatePost(ctx, 5, "", after)
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
}

func TestExtendGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.evaluator.ExtendGrant(ctx, 5, 3, day1)
	require.ErrorIs(t, err, access.ErrNotFound)

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID: 5, ExpiresAt: day1.Add(24 * time.Hour), MaxPostsPerDay: 3,
	}))

	expiry, err := f.evaluator.ExtendGrant(ctx, 5, 2, day1)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(day1.Add(3*24*time.Hour)))

	// Extending a lapsed grant counts from now.
	later := day1.Add(10 * 24 * time.Hour)
	expiry, err = f.evaluator.ExtendGrant(ctx, 5, 1, later)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(later.Add(24*time.Hour)))

	_, err = f.evaluator.ExtendGrant(ctx, 5, 0, day1)
	require.ErrorIs(t, err, access.ErrInvalidArgument)
}

func TestSetLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.evaluator.SetLimit(ctx, 5, 4), access.ErrNotFound)
	require.ErrorIs(t, f.evaluator.SetLimit(ctx, 5, 0), access.ErrInvalidArgument)

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID:    5,
		ExpiresAt:      day1.Add(24 * time.Hour),
		PostsToday:     2,
		LastPostDate:   ptr("2026-03-09"),
		MaxPostsPerDay: 3,
	}))

	require.NoError(t, f.evaluator.SetLimit(ctx, 5, 10))

	g, err := f.store.GetGrant(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, g.MaxPostsPerDay)
	assert.Equal(t, 2, g.PostsToday, "limit change must not touch the counter")
}

func TestResetCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.evaluator.ResetCounter(ctx, 5), access.ErrNotFound)

	for _, id := range []int64{5, 6} {
		require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
			PrincipalID:    id,
			ExpiresAt:      day1.Add(24 * time.Hour),
			PostsToday:     3,
			LastPostDate:   ptr("2026-03-09"),
			MaxPostsPerDay: 3,
		}))
	}

	require.NoError(t, f.evaluator.ResetCounter(ctx, 5))

	verdict, err := f.evaluator.EvaluatePost(ctx, 5, "", day1)
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)

	n, err := f.evaluator.ResetAllCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	before, err := f.store.ListGrants(ctx)
	require.NoError(t, err)

	n, err = f.evaluator.ResetAllCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	after, err := f.store.ListGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "second reset must be a no-op")
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.evaluator.Revoke(ctx, 5, day1)
	require.ErrorIs(t, err, access.ErrNotFound)
	assert.Empty(t, f.notifier.sentTo(5))

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID: 5, DisplayName: "eve", ExpiresAt: day1.Add(24 * time.Hour), MaxPostsPerDay: 3,
	}))

	view, err := f.evaluator.Revoke(ctx, 5, day1)
	require.NoError(t, err)
	assert.Equal(t, "eve", view.DisplayName)

	_, err = f.store.GetGrant(ctx, 5)
	require.ErrorIs(t, err, store.ErrNotFound)

	sent := f.notifier.sentTo(5)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "revoked")
}

func TestListActiveAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID:    5,
		ExpiresAt:      day1.Add(3*24*time.Hour + time.Hour),
		PostsToday:     2,
		LastPostDate:   ptr("2026-03-08"),
		MaxPostsPerDay: 3,
	}))
	require.NoError(t, f.store.ReplaceGrant(ctx, &store.Grant{
		PrincipalID: 6, ExpiresAt: day1.Add(-time.Minute), MaxPostsPerDay: 3,
	}))

	views, err := f.evaluator.ListActive(ctx, day1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(5), views[0].PrincipalID)
	assert.Equal(t, 3, views[0].DaysLeft)
	assert.Equal(t, 0, views[0].PostsToday, "yesterday's posts do not count")

	status, err := f.evaluator.Status(ctx, 5, day1)
	require.NoError(t, err)
	assert.Equal(t, 3, status.MaxPostsPerDay)

	_, err = f.evaluator.Status(ctx, 6, day1)
	require.ErrorIs(t, err, access.ErrExpired)

	_, err = f.evaluator.Status(ctx, 7, day1)
	require.ErrorIs(t, err, access.ErrNotFound)
}

func TestEvaluatePost_ConcurrentSamePrincipal(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{fileDB: true}, func(c *config.AccessConfig) {
		c.DefaultMaxPosts = 3
	})
	ctx := context.Background()

	f.grantApproved(t, 5, day1)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)

	for range 24 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			verdict, err := f.evaluator.EvaluatePost(ctx, 5, "eve", day1.Add(time.Hour))
			if !assert.NoError(t, err) {
				return
			}

			if verdict.Accepted {
				accepted.Add(1)
			} else {
				assert.Equal(t, access.ReasonDailyLimitReached, verdict.Reason)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(3), accepted.Load())

	grant, err := f.store.GetGrant(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, grant.PostsToday)
}
