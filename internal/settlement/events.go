package settlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// Notifier delivers a message to one user. Delivery is an external concern;
// failures are logged and never undo a committed change.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event, title, message string) error
}

// Publisher fans committed changes out to the notifier and the event bus.
// Both are optional.
type Publisher struct {
	bus      domain.EventBus
	notifier Notifier
	logger   *slog.Logger
}

// NewPublisher creates a Publisher. bus and notifier may be nil.
func NewPublisher(bus domain.EventBus, notifier Notifier, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, notifier: notifier, logger: logger}
}

// Event publishes ev on the transaction's channel.
func (p *Publisher) Event(ctx context.Context, ev domain.TransactionEvent) {
	if p == nil || p.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, domain.TransactionChannel(ev.TransactionID), data); err != nil {
		p.logger.WarnContext(ctx, "publish transaction event failed",
			slog.String("transaction_id", ev.TransactionID),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Notify tells userID about a change.
func (p *Publisher) Notify(ctx context.Context, userID, event, title, message string) {
	if p == nil || p.notifier == nil || userID == "" {
		return
	}
	if err := p.notifier.NotifyUser(ctx, userID, event, title, message); err != nil {
		p.logger.WarnContext(ctx, "notification failed",
			slog.String("user_id", userID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// StatusChanges publishes one status_changed event per entered status.
func (p *Publisher) StatusChanges(ctx context.Context, transactionID string, actor domain.Actor, entered []domain.TransactionStatus) {
	for _, s := range entered {
		p.Event(ctx, domain.TransactionEvent{
			Type:          domain.EventStatusChanged,
			TransactionID: transactionID,
			Status:        s,
			ActorID:       actor.UserID,
		})
	}
}
