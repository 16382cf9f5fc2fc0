package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Handle renders a principal for human readers: "@name" when a display
// name is known and "id<n>" otherwise.
func Handle(principalID int64, displayName string) string {
	name := strings.TrimPrefix(strings.TrimSpace(displayName), "@")
	if name == "" {
		return fmt.Sprintf("id%d", principalID)
	}

	return "@" + name
}

// ApprovedMessage tells a principal their request was approved.
func ApprovedMessage(term time.Duration, limit int) Message {
	return Message{Text: fmt.Sprintf(
		"✅ You may post in the group for %s (%d posts per day).",
		units.HumanDuration(term), limit,
	)}
}

// DeniedMessage tells a principal their request was denied.
func DeniedMessage() Message {
	return Message{Text: "❌ Your request was denied."}
}

// RevokedMessage tells a principal an administrator removed their access.
func RevokedMessage() Message {
	return Message{Text: "⛔️ Your access was revoked early by an administrator."}
}

// ExpiredMessage tells a principal their grant ran out.
func ExpiredMessage() Message {
	return Message{Text: "⛔ Your access has expired."}
}

// ExpiredAdminMessage tells administrators a grant was removed by expiry.
func ExpiredAdminMessage(principalID int64, displayName string) Message {
	return Message{Text: fmt.Sprintf(
		"⛔️ Access for %s (ID %d) ended and was removed.",
		Handle(principalID, displayName), principalID,
	)}
}

// LapsedMessage tells a principal their pending request was closed
// without a decision.
func LapsedMessage(after time.Duration) Message {
	return Message{Text: fmt.Sprintf(
		"⌛ Your request received no decision within %s and was closed. You may ask again.",
		units.HumanDuration(after),
	)}
}

// NewRequestMessage asks administrators to decide on a request. The two
// actions carry the decision payload the gateway echoes back.
func NewRequestMessage(principalID int64, displayName string) Message {
	return Message{
		Text: fmt.Sprintf(
			"🔔 New request from %s (ID %d)",
			Handle(principalID, displayName), principalID,
		),
		Actions: []Action{
			{
				Label: "✅ Approve",
				Decision: DecisionPayload{
					PrincipalID: principalID,
					DisplayName: displayName,
					Action:      ActionApprove,
				},
			},
			{
				Label: "❌ Deny",
				Decision: DecisionPayload{
					PrincipalID: principalID,
					DisplayName: displayName,
					Action:      ActionDeny,
				},
			},
		},
	}
}

// DecidedNoticeMessage tells the other administrators that a request has
// already been handled.
func DecidedNoticeMessage(
	principalID int64, displayName string, approved bool, decidedBy int64,
) Message {
	verb := "denied"
	if approved {
		verb = "approved"
	}

	return Message{Text: fmt.Sprintf(
		"ℹ️ Request from %s (ID %d) was %s by admin %d.",
		Handle(principalID, displayName), principalID, verb, decidedBy,
	)}
}
