// Package notify pushes session lifecycle events to out-of-band consumers
// such as a mobile push pipeline. Delivery is fire-and-forget: the
// coordinator never blocks or fails a transition on notification errors.
package notify

import (
	"context"

	"go.uber.org/zap"

	"spotter/pkg/types"
)

// Notifier delivers one lifecycle event to an external consumer.
type Notifier interface {
	Notify(ctx context.Context, ev *types.Event) error
	Close() error
}

// LogNotifier writes notifications to the structured log. It is the
// default backend when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev *types.Event) error {
	n.logger.Info("session notification",
		zap.String("event", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
		zap.String("state", string(ev.State)),
		zap.Int64("version", ev.Version))
	return nil
}

func (n *LogNotifier) Close() error { return nil }
