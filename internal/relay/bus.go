package relay

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Bus is the cross-instance fan-out extension of C6 (SPEC_FULL.md §11):
// when more than one relay process sits behind a load balancer, an
// operation landing on one instance is republished here so every other
// instance's locally-connected participants also receive it. The relay
// still stores no durable document content — a bus message is transient.
type Bus interface {
	Publish(ctx context.Context, docID string, data []byte) error
	// Subscribe returns a channel of messages published by other
	// instances for docID, and an unsubscribe function to release any
	// underlying resources.
	Subscribe(ctx context.Context, docID string) (ch <-chan []byte, unsubscribe func(), err error)
}

// NoopBus is the single-instance default: no cross-instance fan-out.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, string, []byte) error { return nil }

func (NoopBus) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	return nil, func() {}, nil
}

// RedisBus generalises the teacher's per-document Redis Pub/Sub relay
// (rdb.Subscribe(ctx, docID) / rdb.Publish) into a reusable cross-instance
// bus keyed by document id.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an already-connected redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) channel(docID string) string {
	return "collabtext:doc:" + docID
}

func (b *RedisBus) Publish(ctx context.Context, docID string, data []byte) error {
	return b.rdb.Publish(ctx, b.channel(docID), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, docID string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	return out, func() { pubsub.Close() }, nil
}
