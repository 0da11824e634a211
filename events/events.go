// Package events fans wallet events out to the durable per-account log and,
// optionally, an AMQP exchange for the notification layer. Emission is
// fire-and-forget: a failed emit is logged and never fails the payment path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/types"
)

type Emitter interface {
	Emit(ctx context.Context, e types.Event) error
}

// EventStore is the slice of the store the emitter writes through.
type EventStore interface {
	AppendEvent(ctx context.Context, e *types.Event) error
}

// New stamps an event with a fresh id and timestamp.
func New(accountID, eventType string, data map[string]any) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// StoreEmitter appends events to the durable log. Always on.
type StoreEmitter struct {
	store EventStore
}

var _ Emitter = (*StoreEmitter)(nil)

func NewStoreEmitter(store EventStore) *StoreEmitter {
	return &StoreEmitter{store: store}
}

func (s *StoreEmitter) Emit(ctx context.Context, e types.Event) error {
	return s.store.AppendEvent(ctx, &e)
}

// Fanout emits to every child, logging failures instead of propagating them.
type Fanout struct {
	emitters []Emitter
	log      logger.Logger
}

var _ Emitter = (*Fanout)(nil)

func NewFanout(log logger.Logger, emitters ...Emitter) *Fanout {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Fanout{emitters: emitters, log: log}
}

func (f *Fanout) Emit(ctx context.Context, e types.Event) error {
	for _, em := range f.emitters {
		if err := em.Emit(ctx, e); err != nil {
			f.log.Warn("event emit failed", map[string]any{
				"eventId": e.ID,
				"type":    e.Type,
				"error":   err.Error(),
			})
		}
	}
	return nil
}
