package compliance

import (
	"context"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
)

// Notifier delivers operator-facing notifications. Implementations must not
// block the caller and must swallow their own delivery failures.
type Notifier interface {
	Notify(ctx context.Context, n compliance.Notification)
}

// ReportSink receives a serialized audit report. Delivery is all-or-nothing:
// on error no artifact named filename may remain visible to readers.
type ReportSink interface {
	Deliver(ctx context.Context, filename, contentType string, payload []byte) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n compliance.Notification)

func (f NotifierFunc) Notify(ctx context.Context, n compliance.Notification) {
	f(ctx, n)
}

// ReportSinkFunc adapts a function to the ReportSink interface.
type ReportSinkFunc func(ctx context.Context, filename, contentType string, payload []byte) error

func (f ReportSinkFunc) Deliver(ctx context.Context, filename, contentType string, payload []byte) error {
	return f(ctx, filename, contentType, payload)
}
