// Package dispatch routes inbound gateway events to the access core
// through an explicit table keyed by event kind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/sirupsen/logrus"
)

// EventKind identifies the inbound event type.
type EventKind string

// Event kinds.
const (
	KindPost     EventKind = "post"
	KindRequest  EventKind = "request"
	KindDecision EventKind = "decision"
	KindCommand  EventKind = "command"
	KindStart    EventKind = "start"
)

// Dispatch errors.
var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrForbidden   = errors.New("forbidden")
)

// Event is one inbound event forwarded by the messaging gateway.
type Event struct {
	Kind        EventKind `json:"kind"`
	PrincipalID int64     `json:"principal_id"`
	DisplayName string    `json:"display_name"`
	ChatID      int64     `json:"chat_id"`
	// SenderChat is set when a post was made on behalf of a channel rather
	// than a person.
	SenderChat bool                    `json:"sender_chat"`
	Command    string                  `json:"command,omitempty"`
	Args       []string                `json:"args,omitempty"`
	Decision   *notify.DecisionPayload `json:"decision,omitempty"`
}

// Result tells the gateway what to do about an event.
type Result struct {
	Kind EventKind `json:"kind"`
	// Ignored events need no action at all.
	Ignored bool `json:"ignored,omitempty"`
	// DeleteMessage asks the gateway to remove the triggering post.
	DeleteMessage bool `json:"delete_message,omitempty"`
	// Reply is sent back to the event's originator; for decisions it
	// replaces the text of the administrator's request message.
	Reply      string              `json:"reply,omitempty"`
	Verdict    *access.PostVerdict `json:"verdict,omitempty"`
	Submission *access.Submission  `json:"submission,omitempty"`
	Decision   *access.Decision    `json:"decision,omitempty"`
	Grants     []access.GrantView  `json:"grants,omitempty"`
}

type handlerFunc func(ctx context.Context, ev Event, now time.Time) (Result, error)

// Dispatcher maps event kinds to access core entry points.
type Dispatcher struct {
	log       logrus.FieldLogger
	cfg       *config.AccessConfig
	loc       *time.Location
	evaluator access.Evaluator
	workflow  access.Workflow
	handlers  map[EventKind]handlerFunc
	commands  map[string]commandFunc
	now       func() time.Time
}

// NewDispatcher builds the dispatch table.
func NewDispatcher(
	log logrus.FieldLogger,
	cfg *config.AccessConfig,
	evaluator access.Evaluator,
	workflow access.Workflow,
) *Dispatcher {
	d := &Dispatcher{
		log:       log.WithField("component", "dispatcher"),
		cfg:       cfg,
		loc:       cfg.Location(),
		evaluator: evaluator,
		workflow:  workflow,
		now:       time.Now,
	}

	d.handlers = map[EventKind]handlerFunc{
		KindPost:     d.handlePost,
		KindRequest:  d.handleRequest,
		KindDecision: d.handleDecision,
		KindCommand:  d.handleCommand,
		KindStart:    d.handleStart,
	}

	d.commands = map[string]commandFunc{
		"list":       d.cmdList,
		"revoke":     d.cmdRevoke,
		"reset_user": d.cmdResetUser,
		"reset_all":  d.cmdResetAll,
		"extend":     d.cmdExtend,
		"set_limit":  d.cmdSetLimit,
	}

	return d
}

// Dispatch routes ev to its handler. A throttled request returns both a
// populated Result and an error matching access.ErrThrottled.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Result, error) {
	handler, ok := d.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}

	result, err := handler(ctx, ev, d.now())
	result.Kind = ev.Kind

	return result, err
}

func (d *Dispatcher) handlePost(
	ctx context.Context, ev Event, now time.Time,
) (Result, error) {
	if d.cfg.ChannelID != 0 && ev.ChatID != d.cfg.ChannelID {
		return Result{Ignored: true}, nil
	}

	if ev.SenderChat || d.cfg.IsAdmin(ev.PrincipalID) {
		return Result{Ignored: true}, nil
	}

	verdict, err := d.evaluator.EvaluatePost(ctx, ev.PrincipalID, ev.DisplayName, now)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		DeleteMessage: !verdict.Accepted,
		Verdict:       &verdict,
	}
	if !verdict.Accepted {
		result.Reply = rejectReply(verdict)
	}

	return result, nil
}

func (d *Dispatcher) handleRequest(
	ctx context.Context, ev Event, now time.Time,
) (Result, error) {
	sub, err := d.workflow.SubmitRequest(ctx, ev.PrincipalID, ev.DisplayName, now)
	if err != nil && !errors.Is(err, access.ErrThrottled) {
		return Result{}, err
	}

	return Result{
		Reply:      submissionReply(sub),
		Submission: &sub,
	}, err
}

func (d *Dispatcher) handleDecision(
	ctx context.Context, ev Event, now time.Time,
) (Result, error) {
	if !d.cfg.IsAdmin(ev.PrincipalID) {
		return Result{}, fmt.Errorf("%w: decisions are reserved for administrators", ErrForbidden)
	}

	p := ev.Decision
	if p == nil || p.PrincipalID == 0 || !p.Action.Valid() {
		return Result{}, fmt.Errorf("%w: malformed decision payload", access.ErrInvalidArgument)
	}

	approve := p.Action == notify.ActionApprove

	dec, err := d.workflow.Decide(ctx, p.PrincipalID, p.DisplayName, approve, ev.PrincipalID, now)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Reply:    decisionReply(p.PrincipalID, p.DisplayName, dec),
		Decision: &dec,
	}, nil
}

func (d *Dispatcher) handleStart(
	ctx context.Context, ev Event, now time.Time,
) (Result, error) {
	if d.cfg.IsAdmin(ev.PrincipalID) {
		return Result{Reply: replyAdminWelcome}, nil
	}

	view, err := d.evaluator.Status(ctx, ev.PrincipalID, now)

	switch {
	case err == nil:
		return Result{Reply: activeGrantReply(view)}, nil
	case errors.Is(err, access.ErrNotFound), errors.Is(err, access.ErrExpired):
		return Result{Reply: replyWelcome}, nil
	default:
		return Result{}, err
	}
}
