// Package notify fans deal notifications out to operator channels (Telegram,
// Discord). Event types can be filtered so a channel only hears what it cares
// about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to every Sender. Notify and NotifyUser
// forward only allowed event types; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an operator notification if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.allowed(ctx, event) {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyUser sends a notification addressed to one deal party. The channels
// are shared, so the recipient is named in the title.
func (n *Notifier) NotifyUser(ctx context.Context, userID, event, title, message string) error {
	if !n.allowed(ctx, event) {
		return nil
	}
	return n.dispatch(ctx, fmt.Sprintf("%s (to %s)", title, userID), message)
}

// NotifyAll sends a notification regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allowed(ctx context.Context, event string) bool {
	if len(n.events) == 0 || n.events[event] {
		return true
	}
	n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
	return false
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// LogSender writes notifications to the log. The sandbox mode uses it when no
// real channel is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs the notification.
func (l *LogSender) Send(ctx context.Context, title, message string) error {
	l.logger.InfoContext(ctx, "notification",
		slog.String("title", title),
		slog.String("message", message),
	)
	return nil
}

// Name returns "log".
func (l *LogSender) Name() string { return "log" }
