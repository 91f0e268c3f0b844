// Package events publishes domain events for entries materialized by the
// recurring engine. Publishing happens after the ledger commit and is
// best-effort: a failed publish is logged and never undoes the entry.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// TypeEntryCreated is the routing key / event type of EntryCreated.
const TypeEntryCreated = "recurring.entry_created"

// EntryCreated is emitted once per newly materialized recurring entry.
type EntryCreated struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	TemplateID    string          `json:"template_id"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	UserID        string          `json:"user_id"`
	Period        string          `json:"period"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	PublishEntryCreated(ctx context.Context, evt EntryCreated) error
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable event identifier.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Stamp fills in the id, type and timestamp if they are empty.
func (e *EntryCreated) Stamp(now time.Time) {
	if e.EventID == "" {
		e.EventID = NewEventID()
	}
	if e.Type == "" {
		e.Type = TypeEntryCreated
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
}

func (e EntryCreated) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	return data, nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

// PublishEntryCreated implements Publisher.
func (NopPublisher) PublishEntryCreated(context.Context, EntryCreated) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// Options selects and configures a broker.
type Options struct {
	Driver       string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// New builds the publisher named by opts.Driver.
func New(opts Options) (Publisher, error) {
	switch opts.Driver {
	case "", "none":
		return NopPublisher{}, nil
	case "kafka":
		if len(opts.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka events driver requires at least one broker")
		}
		return NewKafkaPublisher(opts.KafkaBrokers, opts.KafkaTopic), nil
	case "amqp":
		if opts.AMQPURL == "" {
			return nil, fmt.Errorf("amqp events driver requires AMQP_URL")
		}
		return NewAMQPPublisher(opts.AMQPURL, opts.AMQPExchange)
	default:
		return nil, fmt.Errorf("unknown events driver %q", opts.Driver)
	}
}
