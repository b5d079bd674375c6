package reconcile

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
)

// NopNotifier discards status lines.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) {}

// LogNotifier writes status lines to a structured logger without colour codes.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, line string) {
	n.Logger.Info("status", "line", announce.StripColors(line))
}

// MultiNotifier fans each status line out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, line string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, line)
		}
	}
}
