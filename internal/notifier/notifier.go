// Package notifier fans out consumer-facing notifications. The default
// implementation only logs; a push or email sender slots in behind the same
// interface.
package notifier

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// EventType enumerates notification triggers.
type EventType string

const (
	EventRenewalUpcoming   EventType = "renewal_upcoming"
	EventInvoicePaid       EventType = "invoice_paid"
	EventPaymentFailed     EventType = "payment_failed"
	EventPaymentRetry      EventType = "payment_retry"
	EventGroupPaused       EventType = "group_paused"
	EventGroupResumed      EventType = "group_resumed"
	EventGroupCancelled    EventType = "group_cancelled"
	EventAutoCancelWarning EventType = "auto_cancel_warning"
	EventAutoCancelled     EventType = "auto_cancelled"
	EventTrialEnding       EventType = "trial_ending"
	EventTrialCompleted    EventType = "trial_completed"
	EventCreditExpiring    EventType = "credit_expiring"
	EventCreditGranted     EventType = "credit_granted"
	EventRefundIssued      EventType = "refund_issued"
	EventRefundFailed      EventType = "refund_failed"
)

// Event is one notification to one consumer.
type Event struct {
	Type       EventType
	ConsumerID snowflake.ID
	GroupID    snowflake.ID
	Data       map[string]any
}

// Notifier delivers events. Send must not fail the caller's flow; errors are
// for observability only.
type Notifier interface {
	Send(ctx context.Context, evt Event)
}

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) Send(ctx context.Context, evt Event) {
	n.logger.Info("notification",
		zap.String("type", string(evt.Type)),
		zap.Int64("consumer_id", int64(evt.ConsumerID)),
		zap.Int64("group_id", int64(evt.GroupID)),
		zap.Any("data", evt.Data),
	)
}

// Module wires the log-backed notifier.
var Module = fx.Module("notifier",
	fx.Provide(func(logger *zap.Logger) Notifier {
		return NewLogNotifier(logger)
	}),
)
