package access_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/store"
)

const adminID int64 = 1000

// fakeNotifier records every message it is asked to deliver.
type fakeNotifier struct {
	mu     sync.Mutex
	direct map[int64][]notify.Message
	admin  []notify.Message
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{direct: make(map[int64][]notify.Message)}
}

func (f *fakeNotifier) Notify(_ context.Context, id int64, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.direct[id] = append(f.direct[id], msg)

	return nil
}

func (f *fakeNotifier) NotifyAdmins(_ context.Context, msg notify.Message, _ ...int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.admin = append(f.admin, msg)

	return 1
}

func (f *fakeNotifier) sentTo(id int64) []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]notify.Message(nil), f.direct[id]...)
}

func (f *fakeNotifier) adminMessages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]notify.Message(nil), f.admin...)
}

type fixture struct {
	store     store.Store
	cfg       *config.AccessConfig
	notifier  *fakeNotifier
	evaluator access.Evaluator
	workflow  access.Workflow
}

func newFixture(t *testing.T, mutate ...func(*config.AccessConfig)) *fixture {
	t.Helper()

	return newFixtureWith(t, fixtureOptions{}, mutate...)
}

// fixtureOptions changes the backing store of a fixture.
type fixtureOptions struct {
	// fileDB uses a sqlite file in a temp dir instead of :memory:.
	fileDB bool
	// wrap intercepts the store handed to the evaluator and workflow.
	wrap func(store.Store) store.Store
}

func newFixtureWith(
	t *testing.T, opts fixtureOptions, mutate ...func(*config.AccessConfig),
) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	path := ":memory:"
	if opts.fileDB {
		path = filepath.Join(t.TempDir(), "grantoor.db")
	}

	var st store.Store = store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: path},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	if opts.wrap != nil {
		st = opts.wrap(st)
	}

	cfg := &config.AccessConfig{
		Admins:          []int64{adminID},
		Timezone:        "UTC",
		Term:            config.DefaultTerm,
		DefaultMaxPosts: config.DefaultMaxPosts,
		Cooldown:        config.DefaultCooldown,
		ApprovalPolicy:  config.ApprovalPolicyReset,
	}

	for _, fn := range mutate {
		fn(cfg)
	}

	n := newFakeNotifier()

	return &fixture{
		store:     st,
		cfg:       cfg,
		notifier:  n,
		evaluator: access.NewEvaluator(log, st, cfg, n, nil),
		workflow:  access.NewWorkflow(log, st, cfg, n, nil),
	}
}

// grantApproved runs a full submit+approve cycle for id at now.
func (f *fixture) grantApproved(t *testing.T, id int64, now time.Time) {
	t.Helper()

	ctx := context.Background()

	sub, err := f.workflow.SubmitRequest(ctx, id, "user", now)
	require.NoError(t, err)
	require.Equal(t, access.OutcomeSubmitted, sub.Outcome)

	dec, err := f.workflow.Decide(ctx, id, "user", true, adminID, now)
	require.NoError(t, err)
	require.True(t, dec.Applied)
}

// day1 is 10:00 UTC on a Monday.
var day1 = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }
