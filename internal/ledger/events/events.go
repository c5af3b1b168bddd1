// Package events delivers committed ledger events to in-process subscribers
// and external brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"impactledger/internal/ledger/models"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Envelope is the decoded wire form of an event. Payload is left raw so
// consumers can pick the struct for Type.
type Envelope struct {
	ID         uuid.UUID        `json:"id"`
	Type       models.EventType `json:"type"`
	OccurredAt time.Time        `json:"occurred_at"`
	RequestID  string           `json:"request_id,omitempty"`
	Payload    json.RawMessage  `json:"payload"`
}

// Encode serializes an event for a broker.
func Encode(event models.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return data, nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	return env, nil
}

// Fanout publishes each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event models.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
