package redis

import (
	"strings"
	"testing"
)

func TestKeyPrefix(t *testing.T) {
	bare := NewFromRedis(nil, "")
	if got := bare.key("lock", "ledger:main"); got != "lock:ledger:main" {
		t.Fatalf("key=%q", got)
	}
	ns := NewFromRedis(nil, "aether")
	if got := ns.key("ratelimit", "1.2.3.4"); got != "aether:ratelimit:1.2.3.4" {
		t.Fatalf("key=%q", got)
	}
}

func TestNonceKeyIsNamespaced(t *testing.T) {
	c := NewFromRedis(nil, "aether")
	if got := c.key("nonce", "caller:0xA:n-1"); got != "aether:nonce:caller:0xA:n-1" {
		t.Fatalf("key=%q", got)
	}
}

func TestPayloadBytes(t *testing.T) {
	if string(payloadBytes("x")) != "x" || string(payloadBytes([]byte("y"))) != "y" {
		t.Fatal("string and bytes payloads must pass through")
	}
	if payloadBytes(42) != nil || payloadBytes(nil) != nil {
		t.Fatal("unexpected payload types must yield nil")
	}
}

func TestSlidingWindowScriptIsEmbedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Fatal("sliding window script missing")
	}
}
