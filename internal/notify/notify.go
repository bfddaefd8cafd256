// Package notify publishes public auction documents to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/Scandie/openprocurement.auction.dutch/internal/config"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

// Publisher announces a changed public document.
type Publisher interface {
	Publish(ctx context.Context, doc *document.Auction) error
	Close() error
}

// Channel returns the channel a document's changes are published on.
func Channel(auctionID string) string {
	return "auction:" + auctionID
}

// Nop discards every document.
type Nop struct{}

func (Nop) Publish(context.Context, *document.Auction) error { return nil }
func (Nop) Close() error                                     { return nil }

// RedisPublisher publishes documents as JSON with Redis PUBLISH.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher returns a publisher using client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// New returns a RedisPublisher when notifications are enabled and Nop
// otherwise.
func New(ctx context.Context, cfg config.NotifyConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisPublisher(client), nil
}

func (p *RedisPublisher) Publish(ctx context.Context, doc *document.Auction) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(doc.ID), payload).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", doc.ID, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
