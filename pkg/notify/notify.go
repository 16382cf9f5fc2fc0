package notify

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethpandaops/grantoor/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DecisionAction is the administrator's choice on a pending request.
type DecisionAction string

// Decision actions.
const (
	ActionApprove DecisionAction = "approve"
	ActionDeny    DecisionAction = "deny"
)

// Valid reports whether a is a known action.
func (a DecisionAction) Valid() bool {
	return a == ActionApprove || a == ActionDeny
}

// DecisionPayload is attached to an administrator's approve/deny button
// and echoed back by the gateway when the button is pressed.
type DecisionPayload struct {
	PrincipalID int64          `json:"principal_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Action      DecisionAction `json:"action"`
}

// Action is one button rendered under a message.
type Action struct {
	Label    string          `json:"label"`
	Decision DecisionPayload `json:"decision"`
}

// Message is an outbound notification.
type Message struct {
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}

// Sink delivers a message to one principal. Failures are reported but are
// never fatal to the caller.
type Sink interface {
	Send(ctx context.Context, principalID int64, msg Message) error
}

// Notifier fans messages out to principals and the administrator set.
// Every delivery is attempted independently; failures are logged and
// counted, never propagated into store state.
type Notifier struct {
	log         logrus.FieldLogger
	sink        Sink
	admins      []int64
	concurrency int
	metrics     *metrics.Metrics
}

// NewNotifier creates a Notifier delivering through sink.
func NewNotifier(
	log logrus.FieldLogger,
	sink Sink,
	admins []int64,
	concurrency int,
	m *metrics.Metrics,
) *Notifier {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Notifier{
		log:         log.WithField("component", "notifier"),
		sink:        sink,
		admins:      slices.Clone(admins),
		concurrency: concurrency,
		metrics:     m,
	}
}

// Notify sends msg to one principal. The returned error is informational.
func (n *Notifier) Notify(
	ctx context.Context, principalID int64, msg Message,
) error {
	err := n.sink.Send(ctx, principalID, msg)
	n.metrics.ObserveNotification(err)

	if err != nil {
		n.log.WithError(err).
			WithField("principal_id", principalID).
			Warn("Failed to deliver notification")

		return fmt.Errorf("notifying %d: %w", principalID, err)
	}

	return nil
}

// NotifyAdmins sends msg to every administrator not listed in exclude and
// returns how many deliveries succeeded.
func (n *Notifier) NotifyAdmins(
	ctx context.Context, msg Message, exclude ...int64,
) int {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)

	results := make(chan bool, len(n.admins))

	for _, adminID := range n.admins {
		if slices.Contains(exclude, adminID) {
			continue
		}

		g.Go(func() error {
			results <- n.Notify(gCtx, adminID, msg) == nil

			// One admin failing must not cancel the others.
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	delivered := 0

	for ok := range results {
		if ok {
			delivered++
		}
	}

	return delivered
}

// Admins returns the configured administrator IDs.
func (n *Notifier) Admins() []int64 {
	return slices.Clone(n.admins)
}
