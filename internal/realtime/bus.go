package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/internal/textdoc"
)

// Bus fans updates out between relay nodes serving the same document.
type Bus interface {
	Publish(ctx context.Context, documentID string, u textdoc.Update) error
	// Subscribe delivers updates published by other nodes until ctx ends.
	Subscribe(ctx context.Context, documentID string) (<-chan textdoc.Update, error)
}

type busMessage struct {
	Node   string         `json:"node"`
	Update textdoc.Update `json:"update"`
}

// RedisBus publishes on one Redis channel per document.
type RedisBus struct {
	client *redis.Client
	node   string
	prefix string
}

func NewRedisBus(redisURL, node string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, node), nil
}

func NewRedisBusWithClient(client *redis.Client, node string) *RedisBus {
	return &RedisBus{client: client, node: node, prefix: "marginalia:doc:"}
}

func (b *RedisBus) channel(documentID string) string {
	return b.prefix + documentID
}

func (b *RedisBus) Publish(ctx context.Context, documentID string, u textdoc.Update) error {
	payload, err := json.Marshal(busMessage{Node: b.node, Update: u})
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, documentID string) (<-chan textdoc.Update, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	out := make(chan textdoc.Update, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var decoded busMessage
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					log.Printf("realtime: drop bus message on %s: %v", documentID, err)
					continue
				}
				if decoded.Node == b.node {
					continue
				}
				select {
				case out <- decoded.Update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
