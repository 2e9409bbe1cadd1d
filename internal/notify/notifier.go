// Package notify delivers operator alerts to chat channels. Routine events are
// filtered by type; escalations always go out and are marked so they cannot be
// mistaken for log noise.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// EscalationTitle prefixes every escalation so operators can filter on it.
const EscalationTitle = "MANUAL INTERVENTION"

// Message is one alert.
type Message struct {
	Event  string
	Title  string
	Body   string
	Urgent bool
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards allowed event types; Escalate bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
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

// Notify sends a routine notification when event is in the allowed list.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, Message{Event: event, Title: title, Body: body})
}

// Escalate logs at error level and sends an urgent alert to every sender
// regardless of the event filter.
func (n *Notifier) Escalate(ctx context.Context, title, body string) error {
	n.logger.ErrorContext(ctx, "escalation",
		slog.String("title", title),
		slog.String("body", body),
	)
	return n.dispatch(ctx, Message{
		Event:  "escalation",
		Title:  EscalationTitle + ": " + title,
		Body:   body,
		Urgent: true,
	})
}

// dispatch delivers msg to every sender. A single sender failure does not
// prevent delivery to the others.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
