package access

import (
	"context"
	"time"

	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/store"
)

// Notifier is the outbound side used after a transaction commits.
type Notifier interface {
	Notify(ctx context.Context, principalID int64, msg notify.Message) error
	NotifyAdmins(ctx context.Context, msg notify.Message, exclude ...int64) int
}

// GrantView is a read-only rendering of a grant at a point in time, with
// the lazy daily reset already applied.
type GrantView struct {
	PrincipalID    int64     `json:"principal_id"`
	DisplayName    string    `json:"display_name"`
	ExpiresAt      time.Time `json:"expires_at"`
	DaysLeft       int       `json:"days_left"`
	PostsToday     int       `json:"posts_today"`
	MaxPostsPerDay int       `json:"max_posts_per_day"`
}

func viewOf(g *store.Grant, now time.Time, loc *time.Location) GrantView {
	return GrantView{
		PrincipalID:    g.PrincipalID,
		DisplayName:    g.DisplayName,
		ExpiresAt:      g.ExpiresAt,
		DaysLeft:       daysBetween(now, g.ExpiresAt, loc),
		PostsToday:     g.EffectivePostsToday(store.DateOf(now, loc)),
		MaxPostsPerDay: g.MaxPostsPerDay,
	}
}

// daysBetween counts calendar days from the date of from to the date of to
// in loc.
func daysBetween(from, to time.Time, loc *time.Location) int {
	a := midnightUTC(from.In(loc))
	b := midnightUTC(to.In(loc))

	return int(b.Sub(a) / (24 * time.Hour))
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
