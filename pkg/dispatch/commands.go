package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/sirupsen/logrus"
)

type commandFunc func(ctx context.Context, args []string, now time.Time) (Result, error)

func (d *Dispatcher) handleCommand(
	ctx context.Context, ev Event, now time.Time,
) (Result, error) {
	if !d.cfg.IsAdmin(ev.PrincipalID) {
		return Result{Reply: replyAdminsOnly}, nil
	}

	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ev.Command), "/"))

	cmd, ok := d.commands[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown command %q", access.ErrInvalidArgument, ev.Command)
	}

	d.log.WithFields(logrus.Fields{
		"admin_id": ev.PrincipalID,
		"command":  name,
		"args":     ev.Args,
	}).Info("Admin command")

	return cmd(ctx, ev.Args, now)
}

func (d *Dispatcher) cmdList(
	ctx context.Context, _ []string, now time.Time,
) (Result, error) {
	views, err := d.evaluator.ListActive(ctx, now)
	if err != nil {
		return Result{}, err
	}

	return Result{Reply: listReply(views, d.loc), Grants: views}, nil
}

func (d *Dispatcher) cmdRevoke(
	ctx context.Context, args []string, now time.Time,
) (Result, error) {
	id, err := parseArgs(args, "revoke <principal_id>")
	if err != nil {
		return Result{}, err
	}

	view, err := d.evaluator.Revoke(ctx, id[0], now)
	if err != nil {
		return Result{}, err
	}

	return Result{Reply: fmt.Sprintf(
		"✅ Access for %s (ID %d) was removed.", handle(view.PrincipalID, view.DisplayName), view.PrincipalID,
	)}, nil
}

func (d *Dispatcher) cmdResetUser(
	ctx context.Context, args []string, _ time.Time,
) (Result, error) {
	id, err := parseArgs(args, "reset_user <principal_id>")
	if err != nil {
		return Result{}, err
	}

	if err := d.evaluator.ResetCounter(ctx, id[0]); err != nil {
		return Result{}, err
	}

	return Result{Reply: fmt.Sprintf("✅ Post counter for ID %d was reset.", id[0])}, nil
}

func (d *Dispatcher) cmdResetAll(
	ctx context.Context, _ []string, _ time.Time,
) (Result, error) {
	if _, err := d.evaluator.ResetAllCounters(ctx); err != nil {
		return Result{}, err
	}

	return Result{Reply: replyResetAll}, nil
}

func (d *Dispatcher) cmdExtend(
	ctx context.Context, args []string, now time.Time,
) (Result, error) {
	vals, err := parseArgs(args, "extend <principal_id> <days>", "days")
	if err != nil {
		return Result{}, err
	}

	expiry, err := d.evaluator.ExtendGrant(ctx, vals[0], int(vals[1]), now)
	if err != nil {
		return Result{}, err
	}

	return Result{Reply: fmt.Sprintf(
		"✅ Access for ID %d now runs until %s.", vals[0], formatTime(expiry, d.loc),
	)}, nil
}

func (d *Dispatcher) cmdSetLimit(
	ctx context.Context, args []string, _ time.Time,
) (Result, error) {
	vals, err := parseArgs(args, "set_limit <principal_id> <limit>", "limit")
	if err != nil {
		return Result{}, err
	}

	if err := d.evaluator.SetLimit(ctx, vals[0], int(vals[1])); err != nil {
		return Result{}, err
	}

	return Result{Reply: fmt.Sprintf(
		"✅ ID %d may now post %d times per day.", vals[0], vals[1],
	)}, nil
}

// parseArgs expects a principal id followed by one integer per name in
// extra. usage is reported on any mismatch.
func parseArgs(args []string, usage string, extra ...string) ([]int64, error) {
	if len(args) < 1+len(extra) {
		return nil, fmt.Errorf("%w: usage: /%s", access.ErrInvalidArgument, usage)
	}

	vals := make([]int64, 0, 1+len(extra))

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: principal id must be a number", access.ErrInvalidArgument)
	}

	vals = append(vals, id)

	for i, name := range extra {
		n, err := strconv.ParseInt(args[i+1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", access.ErrInvalidArgument, name)
		}

		vals = append(vals, n)
	}

	return vals, nil
}
