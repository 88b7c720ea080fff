package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	notifyChannel  = "portal_events"
	reconnectDelay = time.Second
)

// remoteEnvelope wraps an Event for the NOTIFY wire. Origin lets each
// instance skip the events it already delivered locally.
type remoteEnvelope struct {
	Origin  uuid.UUID       `json:"origin"`
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PostgresBus extends Bus with cross-instance delivery over Postgres
// LISTEN/NOTIFY. Remote delivery is best-effort; the bus stays usable
// while the listener reconnects.
type PostgresBus struct {
	*Bus
	db     *pgxpool.Pool
	origin uuid.UUID
	logger *zap.Logger
}

// NewPostgresBus creates a PostgresBus. Run must be started for
// remote events to arrive.
func NewPostgresBus(db *pgxpool.Pool, logger *zap.Logger) *PostgresBus {
	return &PostgresBus{
		Bus:    NewBus(logger),
		db:     db,
		origin: uuid.New(),
		logger: logger,
	}
}

// Publish delivers locally and notifies the other instances.
func (p *PostgresBus) Publish(ctx context.Context, event Event) {
	p.Bus.Publish(ctx, event)

	raw, err := json.Marshal(remoteEnvelope{
		Origin:  p.origin,
		Topic:   event.Topic,
		Kind:    event.Kind,
		Payload: event.Payload,
	})
	if err != nil {
		p.logger.Error("pubsub: marshal notify envelope", zap.Error(err))
		return
	}
	if _, err := p.db.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(raw)); err != nil {
		p.logger.Error("pubsub: notify",
			zap.String("topic", event.Topic),
			zap.Error(err))
	}
}

// Run listens for remote events until the context ends, reconnecting
// on connection loss.
func (p *PostgresBus) Run(ctx context.Context) error {
	for {
		err := p.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("pubsub: listener disconnected, reconnecting", zap.Error(err))

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *PostgresBus) listen(ctx context.Context) error {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var envelope remoteEnvelope
		if err := json.Unmarshal([]byte(notification.Payload), &envelope); err != nil {
			p.logger.Warn("pubsub: malformed notification", zap.Error(err))
			continue
		}
		if envelope.Origin == p.origin {
			continue
		}
		p.Bus.Publish(ctx, Event{
			Topic:   envelope.Topic,
			Kind:    envelope.Kind,
			Payload: envelope.Payload,
		})
	}
}
