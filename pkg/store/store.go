package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when the targeted row does not exist.
var ErrNotFound = errors.New("not found")

// Queries is the set of reads and writes available both on the store
// directly and inside a transaction.
type Queries interface {
	// Grants.
	GetGrant(ctx context.Context, principalID int64) (*Grant, error)
	// LockGrant reads a grant and, where the driver supports it, holds a
	// row lock until the surrounding transaction ends.
	LockGrant(ctx context.Context, principalID int64) (*Grant, error)
	ListGrants(ctx context.Context) ([]Grant, error)
	ListExpiredGrants(ctx context.Context, now time.Time) ([]Grant, error)
	SaveGrant(ctx context.Context, grant *Grant) error
	ReplaceGrant(ctx context.Context, grant *Grant) error
	DeleteGrant(ctx context.Context, principalID int64) (bool, error)
	ResetPostsToday(ctx context.Context, principalID int64) (bool, error)
	ResetAllPostsToday(ctx context.Context) (int64, error)

	// Requests.
	LatestRequest(ctx context.Context, principalID int64) (*Request, error)
	CreateRequest(ctx context.Context, req *Request) error
	DecidePending(
		ctx context.Context, principalID int64, status string, at time.Time,
	) (int64, error)
	DecidePendingByID(
		ctx context.Context, id uint, status string, at time.Time,
	) (int64, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Request, error)
	DeleteDecidedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountPending(ctx context.Context, principalID int64) (int64, error)
}

// Store provides persistence for grants and requests.
type Store interface {
	Queries

	Start(ctx context.Context) error
	Stop() error

	// Transaction runs fn atomically. fn must only use the Queries it is
	// handed; the SQLite store has a single connection.
	Transaction(ctx context.Context, fn func(q Queries) error) error
}

// Compile-time interface checks.
var (
	_ Store   = (*store)(nil)
	_ Queries = (*queries)(nil)
)

type store struct {
	*queries

	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// pendingIndexSQL enforces at most one pending request per principal.
const pendingIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending
	ON requests (principal_id) WHERE status = 'pending'`

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection serializes writers and keeps :memory: databases
		// from splitting across connections.
		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db
	s.queries = &queries{
		db:       db,
		rowLocks: s.cfg.Driver == "postgres",
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Grant{},
		&Request{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if err := s.db.WithContext(ctx).Exec(pendingIndexSQL).Error; err != nil {
		return fmt.Errorf("creating pending request index: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Transaction(
	ctx context.Context, fn func(q Queries) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&queries{db: tx, rowLocks: s.queries.rowLocks})
	})
}

type queries struct {
	db       *gorm.DB
	rowLocks bool
}

// --- Grants ---

func (q *queries) GetGrant(
	ctx context.Context, principalID int64,
) (*Grant, error) {
	return q.firstGrant(ctx, principalID, false)
}

func (q *queries) LockGrant(
	ctx context.Context, principalID int64,
) (*Grant, error) {
	return q.firstGrant(ctx, principalID, q.rowLocks)
}

func (q *queries) firstGrant(
	ctx context.Context, principalID int64, lock bool,
) (*Grant, error) {
	db := q.db.WithContext(ctx)
	if lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var grant Grant
	if err := db.
		Where("principal_id = ?", principalID).
		First(&grant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting grant: %w", err)
	}

	normalizeGrant(&grant)

	return &grant, nil
}

func (q *queries) ListGrants(ctx context.Context) ([]Grant, error) {
	var grants []Grant
	if err := q.db.WithContext(ctx).
		Order("expires_at ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}

	for i := range grants {
		normalizeGrant(&grants[i])
	}

	return grants, nil
}

func (q *queries) ListExpiredGrants(
	ctx context.Context, now time.Time,
) ([]Grant, error) {
	var grants []Grant
	if err := q.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("listing expired grants: %w", err)
	}

	for i := range grants {
		normalizeGrant(&grants[i])
	}

	return grants, nil
}

// SaveGrant writes every column of an existing grant.
func (q *queries) SaveGrant(ctx context.Context, grant *Grant) error {
	grant.ExpiresAt = grant.ExpiresAt.UTC()

	if err := q.db.WithContext(ctx).Save(grant).Error; err != nil {
		return fmt.Errorf("saving grant: %w", err)
	}

	return nil
}

// ReplaceGrant drops any previous grant for the principal and inserts
// grant in its place.
func (q *queries) ReplaceGrant(ctx context.Context, grant *Grant) error {
	grant.ExpiresAt = grant.ExpiresAt.UTC()

	db := q.db.WithContext(ctx)

	if err := db.
		Where("principal_id = ?", grant.PrincipalID).
		Delete(&Grant{}).Error; err != nil {
		return fmt.Errorf("replacing grant: %w", err)
	}

	if err := db.Create(grant).Error; err != nil {
		return fmt.Errorf("replacing grant: %w", err)
	}

	return nil
}

// DeleteGrant removes a grant. Deleting a missing row is not an error;
// the bool reports whether a row was removed.
func (q *queries) DeleteGrant(
	ctx context.Context, principalID int64,
) (bool, error) {
	result := q.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Delete(&Grant{})
	if result.Error != nil {
		return false, fmt.Errorf("deleting grant: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// ResetPostsToday zeroes one principal's counter. The bool reports
// whether the principal has a grant at all.
func (q *queries) ResetPostsToday(
	ctx context.Context, principalID int64,
) (bool, error) {
	db := q.db.WithContext(ctx)

	var count int64
	if err := db.Model(&Grant{}).
		Where("principal_id = ?", principalID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("resetting post counter: %w", err)
	}

	if count == 0 {
		return false, nil
	}

	if err := db.Model(&Grant{}).
		Where("principal_id = ?", principalID).
		Update("posts_today", 0).Error; err != nil {
		return false, fmt.Errorf("resetting post counter: %w", err)
	}

	return true, nil
}

// ResetAllPostsToday zeroes every counter and returns how many changed.
func (q *queries) ResetAllPostsToday(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).
		Model(&Grant{}).
		Where("posts_today <> ?", 0).
		Update("posts_today", 0)
	if result.Error != nil {
		return 0, fmt.Errorf("resetting all post counters: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// --- Requests ---

// LatestRequest returns the most recent request regardless of status.
func (q *queries) LatestRequest(
	ctx context.Context, principalID int64,
) (*Request, error) {
	var req Request
	if err := q.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Order("requested_at DESC").
		Order("id DESC").
		First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting latest request: %w", err)
	}

	normalizeRequest(&req)

	return &req, nil
}

func (q *queries) CreateRequest(ctx context.Context, req *Request) error {
	req.RequestedAt = req.RequestedAt.UTC()

	if err := q.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return nil
}

// DecidePending moves the principal's pending request to status. Only a
// row still pending is touched, so of two racing decisions exactly one
// observes a non-zero result.
func (q *queries) DecidePending(
	ctx context.Context, principalID int64, status string, at time.Time,
) (int64, error) {
	result := q.db.WithContext(ctx).
		Model(&Request{}).
		Where("principal_id = ? AND status = ?", principalID, StatusPending).
		Updates(map[string]any{
			"status":     status,
			"decided_at": at.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("deciding request: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// DecidePendingByID moves one specific request to status if it is still
// pending. Newer requests of the same principal are left alone.
func (q *queries) DecidePendingByID(
	ctx context.Context, id uint, status string, at time.Time,
) (int64, error) {
	result := q.db.WithContext(ctx).
		Model(&Request{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     status,
			"decided_at": at.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("deciding request %d: %w", id, result.Error)
	}

	return result.RowsAffected, nil
}

func (q *queries) ListPendingBefore(
	ctx context.Context, cutoff time.Time,
) ([]Request, error) {
	var reqs []Request
	if err := q.db.WithContext(ctx).
		Where("status = ? AND requested_at < ?", StatusPending, cutoff.UTC()).
		Order("requested_at ASC").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("listing stale pending requests: %w", err)
	}

	for i := range reqs {
		normalizeRequest(&reqs[i])
	}

	return reqs, nil
}

// DeleteDecidedBefore removes approved/denied requests made before cutoff.
func (q *queries) DeleteDecidedBefore(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("status IN ? AND requested_at < ?",
			[]string{StatusApproved, StatusDenied}, cutoff.UTC()).
		Delete(&Request{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting decided requests: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (q *queries) CountPending(
	ctx context.Context, principalID int64,
) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).
		Model(&Request{}).
		Where("principal_id = ? AND status = ?", principalID, StatusPending).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting pending requests: %w", err)
	}

	return count, nil
}

func normalizeGrant(g *Grant) {
	g.ExpiresAt = g.ExpiresAt.UTC()
}

func normalizeRequest(r *Request) {
	r.RequestedAt = r.RequestedAt.UTC()

	if r.DecidedAt != nil {
		t := r.DecidedAt.UTC()
		r.DecidedAt = &t
	}
}
