// Package coord is the thin client side of the coordination service shared by
// all nodes of a region: a key/value store for region metadata and a
// publish/subscribe channel for coherence traffic.
package coord

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when the service cannot be reached.
	ErrUnavailable = errors.New("coordination service unavailable")
	// ErrClosed is returned by Receive once the subscription is closed.
	ErrClosed = errors.New("subscription closed")
)

// Client is what a node needs from the coordination service.
type Client interface {
	// CreateIfAbsent atomically stores fields under key when the key does not
	// exist yet. It reports whether this call created the key.
	CreateIfAbsent(ctx context.Context, key string, fields map[string]string) (bool, error)
	// Get returns the fields stored under key, or an empty map.
	Get(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription delivers the payloads published on one channel, at least once
// and in no guaranteed order relative to other publishers.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
