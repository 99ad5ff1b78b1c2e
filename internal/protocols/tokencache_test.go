package protocols

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenCache_SingleUseIsTakenOnce(t *testing.T) {
	c := NewTokenCache()
	c.Put(&LicenseToken{Token: "t1", Protocol: Tollbit, ContentURL: "https://a.example/x", Tier: TierAI, SingleUse: true, ExpiresAt: time.Now().Add(time.Minute)})

	assert.NotNil(t, c.Get(Tollbit, "https://a.example/x", TierAI), "get does not consume")
	assert.Equal(t, "t1", c.Take(Tollbit, "https://a.example/x", TierAI).Token)
	assert.Nil(t, c.Take(Tollbit, "https://a.example/x", TierAI))
}

func TestTokenCache_ReusableSurvivesTake(t *testing.T) {
	c := NewTokenCache()
	c.Put(&LicenseToken{Token: "bearer", Protocol: RSL, ContentURL: "u", Tier: TierFullAccess, ExpiresAt: time.Now().Add(time.Hour)})
	assert.NotNil(t, c.Take(RSL, "u", TierFullAccess))
	assert.NotNil(t, c.Take(RSL, "u", TierFullAccess))
}

func TestTokenCache_EvictExpired(t *testing.T) {
	now := time.Now()
	c := NewTokenCache()
	c.now = func() time.Time { return now }
	c.Put(&LicenseToken{Token: "old", Protocol: RSL, ContentURL: "a", Tier: TierAI, ExpiresAt: now.Add(-time.Second)})
	c.Put(&LicenseToken{Token: "new", Protocol: RSL, ContentURL: "b", Tier: TierAI, ExpiresAt: now.Add(time.Hour)})
	c.Put(&LicenseToken{Token: "forever", Protocol: RSL, ContentURL: "c", Tier: TierAI})

	assert.Nil(t, c.Get(RSL, "a", TierAI))
	assert.Equal(t, 0, c.EvictExpired(), "Get already dropped the expired entry")
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	c := NewTokenCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(&LicenseToken{Token: "x", Protocol: Tollbit, ContentURL: "u", Tier: TierAI, SingleUse: true})
			c.Take(Tollbit, "u", TierAI)
			c.EvictExpired()
		}(i)
	}
	wg.Wait()
}
