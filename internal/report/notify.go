package report

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/notifier"
	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/strategy/position"
)

// NotifyReporter sends a message when the newest bar of a cycle opens or
// closes the position. A bar is announced at most once.
type NotifyReporter struct {
	n        notifier.Notifier
	notified time.Time
}

func NewNotifyReporter(n notifier.Notifier) *NotifyReporter {
	return &NotifyReporter{n: n}
}

func (r *NotifyReporter) Name() string { return "telegram" }

func (r *NotifyReporter) Report(_ context.Context, res session.CycleResult) error {
	if res.Err != nil || res.Result == nil || res.NewBars == 0 {
		return nil
	}
	row, ok := res.Result.Last()
	if !ok || row.Change == position.None || !row.Datetime.After(r.notified) {
		return nil
	}
	r.notified = row.Datetime
	return r.n.SendWithRetry(FormatSignal(res.Symbol, res.Result.Policy, row))
}

// FormatSignal renders a position change as a chat message.
func FormatSignal(symbol, policy string, row backtest.Row) string {
	return fmt.Sprintf("%s %s @ %s (%s, %s)\nSMA1 %s SMA2 %s\n%s",
		symbol, row.Action, formatFloat(row.Close), row.Change, policy,
		formatFloat(row.SMA1), formatFloat(row.SMA2),
		row.Datetime.Format(csvTimeLayout))
}
