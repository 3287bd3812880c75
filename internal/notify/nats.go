package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where notifications are published unless configured otherwise
const DefaultSubject = "notifications.scheduled_task"

// NATSNotifier publishes notifications on a core NATS subject
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

// NewNATSNotifier creates a new NATS notifier
func NewNATSNotifier(nc *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{nc: nc, subject: subject}
}

// Notify publishes the notification as JSON
func (p *NATSNotifier) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
