// Package notify publishes outbound notification requests. Delivery (SMTP and
// templates) belongs to a separate mailer that consumes these events.
package notify

import (
	"context"
	"time"

	"contacts-api/internal/observability"
)

type ConfirmationRequested struct {
	EventID     string    `json:"event_id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	Token       string    `json:"token"`
	ConfirmURL  string    `json:"confirm_url"`
	RequestedAt time.Time `json:"requested_at"`
}

// LogPublisher is used when no broker is configured; it only records the
// request so a developer can follow the confirmation link by hand.
type LogPublisher struct {
	logger *observability.Logger
}

func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishConfirmation(_ context.Context, event ConfirmationRequested) error {
	p.logger.Info("confirmation_email_requested", map[string]any{
		"event_id":    event.EventID,
		"email":       event.Email,
		"username":    event.Username,
		"confirm_url": event.ConfirmURL,
	})
	return nil
}
