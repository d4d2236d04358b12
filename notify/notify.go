// Package notify publishes user-facing notifications raised by the ledger
// engine. Delivery is best effort: a failed publish is logged by the caller
// and never rolls back the ledger write that triggered it.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType defines the type of a notification.
type MessageType string

const (
	// MessageTypeRecurringPosted is sent when a recurring rule posts an entry.
	MessageTypeRecurringPosted MessageType = "recurringPosted"
)

// Message is one notification addressed to an owner.
type Message struct {
	ID      uuid.UUID   `json:"id"`
	Type    MessageType `json:"type"`
	OwnerID uuid.UUID   `json:"owner_id"`
	Payload interface{} `json:"payload"`
}

// RecurringPostedPayload is the payload for a recurringPosted message.
type RecurringPostedPayload struct {
	RuleID      int64           `json:"rule_id"`
	EntryID     int64           `json:"entry_id"`
	AccountID   int64           `json:"account_id"`
	Delta       decimal.Decimal `json:"delta"`
	Description string          `json:"description"`
	PostedAt    time.Time       `json:"posted_at"`
	NextRepeat  time.Time       `json:"next_repeat"`
}

// NewMessage stamps a fresh message id.
func NewMessage(typ MessageType, owner uuid.UUID, payload interface{}) Message {
	return Message{ID: uuid.New(), Type: typ, OwnerID: owner, Payload: payload}
}

// Publisher defines the interface for pushing notifications to users.
type Publisher interface {
	Publish(ctx context.Context, message Message) error
}

// NoOpPublisher drops every message.
type NoOpPublisher struct{}

// Publish does nothing.
func (NoOpPublisher) Publish(context.Context, Message) error { return nil }

// LogPublisher writes messages to a structured logger. Used for local runs
// where no queue is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{Logger: logger.With("component", "notify")}
}

func (p *LogPublisher) Publish(ctx context.Context, message Message) error {
	p.Logger.InfoContext(ctx, "notification",
		"message_id", message.ID,
		"type", message.Type,
		"owner_id", message.OwnerID,
		"payload", message.Payload,
	)
	return nil
}
