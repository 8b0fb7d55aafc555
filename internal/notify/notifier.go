// Package notify pushes position-lifecycle notifications to operators. It
// listens on the event bus and formats each payload for the configured
// senders; delivery failures are logged and never affect the control loop.
package notify

import (
	"context"
	"fmt"
	"log"

	"risk-core/internal/events"
)

// Sender is one delivery channel (Telegram, log, ...).
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans formatted messages out to every sender.
type Notifier struct {
	senders []Sender
}

// NewNotifier creates a notifier over the given senders.
func NewNotifier(senders ...Sender) *Notifier {
	return &Notifier{senders: senders}
}

// Run subscribes to lifecycle topics and dispatches until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus *events.Bus) {
	closed, unsubClosed := bus.Subscribe(events.EventPositionClosed, 16)
	activated, unsubAct := bus.Subscribe(events.EventTrailingActivated, 16)
	conflicts, unsubConf := bus.Subscribe(events.EventConflictDetected, 16)
	failed, unsubFail := bus.Subscribe(events.EventProtectiveFailed, 16)
	losses, unsubLoss := bus.Subscribe(events.EventLossLimitBreached, 16)
	defer unsubClosed()
	defer unsubAct()
	defer unsubConf()
	defer unsubFail()
	defer unsubLoss()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-closed:
			if e, ok := p.(events.PositionClosed); ok {
				n.NotifyPositionClosed(ctx, e)
			}
		case p := <-activated:
			if e, ok := p.(events.TrailingActivated); ok {
				n.NotifyTrailingActivated(ctx, e)
			}
		case p := <-conflicts:
			if e, ok := p.(events.Conflict); ok {
				n.dispatch(ctx, "Stop-loss conflict",
					fmt.Sprintf("%s %s: risk view %.4f vs venue view %.4f, resolved to %.4f (%s)",
						e.Side, e.Symbol, e.RiskStop, e.VenueStop, e.Resolved, e.Strategy))
			}
		case p := <-failed:
			if e, ok := p.(events.ProtectiveFailed); ok {
				n.dispatch(ctx, "Protective orders failed",
					fmt.Sprintf("%s: %s", e.Symbol, e.Err))
			}
		case p := <-losses:
			if e, ok := p.(events.LossLimitBreached); ok {
				n.dispatch(ctx, "Loss limit breached",
					fmt.Sprintf("%s realized pnl %.2f%% past limit %.2f%%",
						e.Window, e.RealizedPnL, e.LimitPercent))
			}
		}
	}
}

// NotifyPositionClosed formats and delivers a close notification.
func (n *Notifier) NotifyPositionClosed(ctx context.Context, e events.PositionClosed) {
	n.dispatch(ctx, "Position closed",
		fmt.Sprintf("%s %s entry=%.4f exit=%.4f pnl=%+.2f%% reason=%s",
			e.Side, e.Symbol, e.EntryPrice, e.ExitPrice, e.PnLPercent, e.Reason))
}

// NotifyTrailingActivated formats and delivers a trailing-activation notice.
func (n *Notifier) NotifyTrailingActivated(ctx context.Context, e events.TrailingActivated) {
	n.dispatch(ctx, "Trailing stop activated",
		fmt.Sprintf("%s %s entry=%.4f price=%.4f trailing=%.4f pnl=%+.2f%%",
			e.Side, e.Symbol, e.EntryPrice, e.CurrentPrice, e.TrailingStop, e.PnLPercent))
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			log.Printf("notify: %s delivery failed: %v", s.Name(), err)
		}
	}
}
