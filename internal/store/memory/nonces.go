package memory

import (
	"context"
	"sync"
	"time"
)

// Nonces is an in-process domain.NonceStore for single-instance deployments.
type Nonces struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewNonces returns an empty Nonces.
func NewNonces() *Nonces {
	return &Nonces{expires: make(map[string]time.Time), now: time.Now}
}

// Claim stores key for ttl and reports whether it was unused. Expired keys
// are swept on every call.
func (n *Nonces) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, exp := range n.expires {
		if !now.Before(exp) {
			delete(n.expires, k)
		}
	}
	if _, held := n.expires[key]; held {
		return false, nil
	}
	n.expires[key] = now.Add(ttl)
	return true, nil
}
