package auth

import (
	"context"
	"time"

	"aegis/pkg/store"
)

// ReplayGuard remembers nonces per device for the timestamp tolerance window.
type ReplayGuard struct {
	cache store.Cache
	ttl   time.Duration
}

func NewReplayGuard(cache store.Cache, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{cache: cache, ttl: ttl}
}

func nonceKey(deviceID, nonce string) string {
	return "nonce:" + deviceID + ":" + nonce
}

// Claim atomically records the nonce. It reports false when the nonce was
// already used by this device within the window.
func (g *ReplayGuard) Claim(ctx context.Context, deviceID, nonce string) (bool, error) {
	return g.cache.SetNX(ctx, nonceKey(deviceID, nonce), "1", g.ttl)
}
