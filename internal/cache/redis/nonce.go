package redis

import (
	"context"
	"fmt"
	"time"
)

// NonceStore implements domain.NonceStore with SET NX so a nonce claimed on
// one instance is refused on every other.
type NonceStore struct {
	c *Client
}

// NewNonceStore creates a NonceStore backed by c.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c}
}

// Claim stores key for ttl. It returns false when the key is already held.
func (n *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := n.c.rdb.SetNX(ctx, n.c.key("nonce", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}
