package store

import (
	"time"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// DateLayout is the layout of Grant.LastPostDate.
const DateLayout = "2006-01-02"

// Grant is a principal's current posting privilege. A row exists iff the
// principal has posting rights (modulo lazily discovered expiry).
type Grant struct {
	PrincipalID    int64     `gorm:"primaryKey;autoIncrement:false" json:"principal_id"`
	DisplayName    string    `json:"display_name"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	PostsToday     int       `gorm:"not null" json:"posts_today"`
	LastPostDate   *string   `gorm:"size:10" json:"last_post_date"`
	MaxPostsPerDay int       `gorm:"not null" json:"max_posts_per_day"`
}

// TableName keeps the historical table name.
func (Grant) TableName() string {
	return "access"
}

// Expired reports whether the grant has lapsed at now.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// EffectivePostsToday applies the lazy daily reset: the counter only
// counts when the last accepted post happened on today's date.
func (g *Grant) EffectivePostsToday(today string) int {
	if g.LastPostDate == nil || *g.LastPostDate != today {
		return 0
	}

	return g.PostsToday
}

// Request is one ask-for-access event and its outcome.
type Request struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PrincipalID int64      `gorm:"not null;index" json:"principal_id"`
	DisplayName string     `json:"display_name"`
	RequestedAt time.Time  `gorm:"not null;index" json:"requested_at"`
	Status      string     `gorm:"not null;size:16;index" json:"status"`
	DecidedAt   *time.Time `json:"decided_at"`
}

// TableName returns the requests table name.
func (Request) TableName() string {
	return "requests"
}

// DateOf returns the calendar date of t in loc, formatted with DateLayout.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
