package protocols

import (
	"context"
	"sync"
	"time"
)

type tokenKey struct {
	protocol Protocol
	url      string
	tier     Tier
}

// TokenCache holds minted license tokens until they expire or, for
// single-use tokens, until they are taken.
type TokenCache struct {
	mu      sync.Mutex
	entries map[tokenKey]*LicenseToken
	now     func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: make(map[tokenKey]*LicenseToken),
		now:     time.Now,
	}
}

func keyOf(t *LicenseToken) tokenKey {
	return tokenKey{protocol: t.Protocol, url: t.ContentURL, tier: t.Tier}
}

// Put stores tok, replacing any token for the same (protocol, url, tier).
func (c *TokenCache) Put(tok *LicenseToken) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyOf(tok)] = tok
}

// Get returns a live token without consuming it.
func (c *TokenCache) Get(p Protocol, url string, tier Tier) *LicenseToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := tokenKey{protocol: p, url: url, tier: tier}
	tok, ok := c.entries[k]
	if !ok {
		return nil
	}
	if tok.Expired(c.now()) {
		delete(c.entries, k)
		return nil
	}
	return tok
}

// Take returns a live token and removes it if it is single-use.
func (c *TokenCache) Take(p Protocol, url string, tier Tier) *LicenseToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := tokenKey{protocol: p, url: url, tier: tier}
	tok, ok := c.entries[k]
	if !ok {
		return nil
	}
	if tok.Expired(c.now()) || tok.SingleUse {
		delete(c.entries, k)
	}
	if tok.Expired(c.now()) {
		return nil
	}
	return tok
}

// Invalidate drops the token for (p, url, tier).
func (c *TokenCache) Invalidate(p Protocol, url string, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tokenKey{protocol: p, url: url, tier: tier})
}

// EvictExpired removes expired tokens and returns how many were dropped.
func (c *TokenCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, tok := range c.entries {
		if tok.Expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run evicts expired tokens every interval until ctx is cancelled.
func (c *TokenCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}
