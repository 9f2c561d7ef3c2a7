package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/confirm"
	"github.com/GoPolymarket/cluster-trader/internal/control"
	"github.com/GoPolymarket/cluster-trader/internal/notify"
	"github.com/GoPolymarket/cluster-trader/internal/strategy"
	"github.com/GoPolymarket/cluster-trader/internal/telegramtmpl"
)

// apply runs one operator command on the loop goroutine.
func (a *App) apply(ctx context.Context, cmd control.Command) {
	if a.dedup.Seen(cmd.ID) {
		a.log.WithField("id", cmd.ID).Debug("duplicate command dropped")
		cmd.Respond(control.Result{OK: false, Message: "duplicate command"})
		return
	}
	a.metrics.commands.WithLabelValues(string(cmd.Verb), cmd.Source).Inc()
	a.log.WithFields(logrus.Fields{"verb": cmd.Verb, "source": cmd.Source, "id": cmd.ID}).Info("command")

	res := a.execute(ctx, cmd)
	cmd.Respond(res)

	kind := notify.KindCommand
	if cmd.Verb == control.VerbStatus && res.OK {
		kind = notify.KindStatus
	}
	text := res.Message
	if !res.OK {
		text = "⚠️ " + text
	}
	a.emit(kind, text, true, map[string]any{"verb": cmd.Verb, "source": cmd.Source, "ok": res.OK})
}

func success(format string, args ...any) control.Result {
	return control.Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func failure(format string, args ...any) control.Result {
	return control.Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

func (a *App) execute(ctx context.Context, cmd control.Command) control.Result {
	switch cmd.Verb {
	case control.VerbStart:
		if cmd.Direction != "" {
			a.state.SetDirection(cmd.Direction, true)
			a.state.SetActive(true)
			return success("▶️ %s clusters enabled", upper(cmd.Direction))
		}
		a.state.SetActive(true)
		a.state.SetDirection(cluster.Buy, true)
		a.state.SetDirection(cluster.Sell, true)
		return success("▶️ Bot started")

	case control.VerbStop:
		if cmd.Direction != "" {
			a.state.SetDirection(cmd.Direction, false)
			return success("⏸ %s clusters disabled", upper(cmd.Direction))
		}
		a.state.SetActive(false)
		return success("⏸ Bot stopped. Open clusters keep being managed.")

	case control.VerbForce:
		return a.force(ctx, cmd.Direction)

	case control.VerbOverride:
		a.state.SetOverride(cmd.Value)
		return success("🎚 Next decision uses threshold %.1f for both directions", cmd.Value)

	case control.VerbThresholds:
		a.state.SetThresholds(strategy.Thresholds{Buy: cmd.Buy, Sell: cmd.Sell})
		return success("🎚 Thresholds set: Buy %.1f | Sell %.1f", cmd.Buy, cmd.Sell)

	case control.VerbStatus:
		return success("%s", telegramtmpl.RenderStatus(a.StatusData()))

	case control.VerbResetStreak:
		a.risk.Reset()
		a.metrics.observeRisk(a.risk.Snapshot())
		return success("🔄 Loss streak reset, new clusters allowed")

	case control.VerbConfirm, control.VerbCancel:
		return a.resolve(ctx, cmd)

	case control.VerbCloseAll:
		return a.closeExposure(ctx, true, true)
	case control.VerbClosePositions:
		return a.closeExposure(ctx, true, false)
	case control.VerbCancelPending:
		return a.closeExposure(ctx, false, true)
	}
	return failure("unknown command %q", cmd.Verb)
}

// force opens a cluster without score or confirmation. The single-cluster
// rule and the breaker still apply.
func (a *App) force(ctx context.Context, dir cluster.Direction) control.Result {
	if a.current != nil {
		return failure("cluster %s is still open", a.current.ID)
	}
	if err := a.risk.Allow(); err != nil {
		return failure("%s", err)
	}
	if a.gate != nil {
		a.gate.Discard()
	}
	if err := a.open(ctx, dir); err != nil {
		return failure("force %s failed: %s", dir, err)
	}
	if a.cfg.DryRun {
		return success("🧪 %s cluster planned (dry run)", upper(dir))
	}
	return success("🚀 %s cluster %s opened", upper(dir), a.current.ID)
}

func (a *App) resolve(ctx context.Context, cmd control.Command) control.Result {
	if a.gate == nil {
		return failure("confirmation is disabled")
	}
	var (
		req confirm.Request
		err error
	)
	if cmd.Verb == control.VerbConfirm {
		req, err = a.gate.Confirm(cmd.ConfirmID())
	} else {
		req, err = a.gate.Cancel(cmd.ConfirmID())
	}
	switch {
	case errors.Is(err, confirm.ErrNoRequest):
		return failure("no confirmation is pending")
	case err != nil:
		return failure("%s", err)
	}
	if polled, ready := a.gate.Poll(a.now()); ready {
		a.settle(ctx, polled)
	}
	return success("%s cluster %s", upper(req.Direction), req.Status)
}

// closeExposure closes engine-tagged positions and cancels engine-tagged
// pending orders on the configured symbol. The tracker records the cluster
// result once the venue reports nothing live.
func (a *App) closeExposure(ctx context.Context, positions, orders bool) control.Result {
	vctx, cancel := a.call(ctx)
	defer cancel()

	var closed, cancelled, failed int
	if positions {
		ps, err := a.gw.ListOpenPositions(vctx, a.cfg.Symbol)
		if err != nil {
			a.venueError("list_positions", err)
			return failure("list positions: %s", err)
		}
		for _, p := range ps {
			if _, _, tagged := cluster.ParseTag(p.Tag); !tagged {
				continue
			}
			if err := a.gw.ClosePosition(vctx, p.Ticket); err != nil {
				failed++
				a.venueError("close_position", fmt.Errorf("ticket %d: %w", p.Ticket, err))
				continue
			}
			closed++
		}
	}
	if orders {
		pending, err := a.gw.ListPendingOrders(vctx, a.cfg.Symbol)
		if err != nil {
			a.venueError("list_orders", err)
			return failure("list orders: %s", err)
		}
		for _, o := range pending {
			if _, _, tagged := cluster.ParseTag(o.Tag); !tagged {
				continue
			}
			if err := a.gw.CancelOrder(vctx, o.Ticket); err != nil {
				failed++
				a.venueError("cancel_order", fmt.Errorf("ticket %d: %w", o.Ticket, err))
				continue
			}
			cancelled++
		}
	}
	msg := fmt.Sprintf("🧹 Closed %d positions, cancelled %d orders", closed, cancelled)
	if failed > 0 {
		return failure("%s, %d failed", msg, failed)
	}
	return success("%s", msg)
}

func upper(d cluster.Direction) string { return strings.ToUpper(string(d)) }
