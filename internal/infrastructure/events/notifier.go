package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
)

// Notifier receives operator notifications
type Notifier interface {
	Notify(ctx context.Context, n compliance.Notification)
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifications")}
}

// Notify logs destructive notifications at warn level and the rest at info
func (l *LogNotifier) Notify(_ context.Context, n compliance.Notification) {
	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("description", n.Description),
		zap.String("variant", string(n.Variant)),
	}
	if n.Variant == compliance.VariantDestructive {
		l.logger.Warn("notification", fields...)
		return
	}
	l.logger.Info("notification", fields...)
}

// Fanout delivers every notification to each of its notifiers in order
type Fanout []Notifier

// NewFanout drops nil notifiers
func NewFanout(notifiers ...Notifier) Fanout {
	out := make(Fanout, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Notify forwards n to every notifier
func (f Fanout) Notify(ctx context.Context, n compliance.Notification) {
	for _, notifier := range f {
		notifier.Notify(ctx, n)
	}
}
