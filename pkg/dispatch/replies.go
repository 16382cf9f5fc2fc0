package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/notify"
)

const (
	replyWelcome      = "👋 Send /request to ask an administrator for posting access."
	replyAdminWelcome = "👋 You are an administrator; posting limits do not apply to you."
	replyAdminsOnly   = "⛔️ This command is only available to administrators."
	replyResetAll     = "✅ Post counters were reset for everyone."
	replySubmitted    = "📩 Your request was sent to the administrators. Please wait for a decision."
	replyPending      = "⏳ Your previous request is still waiting for a decision."
	replyNoGrants     = "📋 No active users."
	replyNoGrant      = "⛔️ You have no posting access. Send /request to ask for it."
	replyExpired      = "⛔️ Your posting access has expired. Send /request to ask again."

	timeLayout = "02.01.2006 15:04"
)

func handle(principalID int64, displayName string) string {
	return notify.Handle(principalID, displayName)
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeLayout)
}

func activeGrantReply(v *access.GrantView) string {
	return fmt.Sprintf(
		"⚠️ You already have access.\n%d day(s) left.\nToday %d/%d posts.",
		v.DaysLeft, v.PostsToday, v.MaxPostsPerDay,
	)
}

// rejectReply explains a deleted post to its author.
func rejectReply(v access.PostVerdict) string {
	switch v.Reason {
	case access.ReasonNoGrant:
		return replyNoGrant
	case access.ReasonExpired:
		return replyExpired
	case access.ReasonDailyLimitReached:
		return fmt.Sprintf(
			"⛔️ You reached today's limit of %d posts. Try again tomorrow.", v.Limit,
		)
	default:
		return ""
	}
}

func submissionReply(sub access.Submission) string {
	switch sub.Outcome {
	case access.OutcomeAdminBypass:
		return replyAdminWelcome
	case access.OutcomeActiveGrant:
		return activeGrantReply(sub.Grant)
	case access.OutcomeThrottled:
		if sub.Pending {
			return replyPending
		}

		return fmt.Sprintf(
			"⏳ You can only send one request per hour. Please wait %s.",
			waitText(sub.Wait),
		)
	default:
		return replySubmitted
	}
}

func waitText(wait time.Duration) string {
	if wait < time.Minute {
		return "less than a minute"
	}

	return strings.ToLower(units.HumanDuration(wait))
}

func decisionReply(principalID int64, displayName string, dec access.Decision) string {
	if !dec.Applied {
		return fmt.Sprintf(
			"ℹ️ The request from %s (ID %d) was already decided.",
			handle(principalID, displayName), principalID,
		)
	}

	if dec.Approved {
		return fmt.Sprintf("Approved ✅ (ID %d, %s)", principalID, handle(principalID, displayName))
	}

	return fmt.Sprintf("Denied ❌ (ID %d, %s)", principalID, handle(principalID, displayName))
}

func listReply(views []access.GrantView, loc *time.Location) string {
	if len(views) == 0 {
		return replyNoGrants
	}

	var b strings.Builder

	b.WriteString("📋 Active users:\n")

	for _, v := range views {
		fmt.Fprintf(&b, "ID %d, %s, until %s, %d/%d posts today\n",
			v.PrincipalID,
			handle(v.PrincipalID, v.DisplayName),
			formatTime(v.ExpiresAt, loc),
			v.PostsToday,
			v.MaxPostsPerDay,
		)
	}

	return b.String()
}

// ErrorReply renders a human-readable reply for a failed event.
func ErrorReply(err error) string {
	var throttled *access.ThrottledError

	switch {
	case errors.As(err, &throttled):
		return submissionReply(access.Submission{
			Outcome: access.OutcomeThrottled,
			Wait:    throttled.Wait,
			Pending: throttled.Pending,
		})
	case errors.Is(err, access.ErrNotFound):
		return "⚠️ That user has no active access."
	case errors.Is(err, access.ErrExpired):
		return "⚠️ That user's access has already expired."
	case errors.Is(err, access.ErrInvalidArgument):
		return "❗️ " + strings.TrimPrefix(err.Error(), access.ErrInvalidArgument.Error()+": ")
	case errors.Is(err, ErrForbidden):
		return replyAdminsOnly
	case errors.Is(err, ErrUnknownKind):
		return "❗️ Unsupported event."
	default:
		return "⚠️ Something went wrong, please try again later."
	}
}
