package config

import (
	"log/slog"

	"github.com/technosupport/licensegate/internal/protocols"
	"github.com/technosupport/licensegate/internal/protocols/cloudflare"
	"github.com/technosupport/licensegate/internal/protocols/rsl"
	"github.com/technosupport/licensegate/internal/protocols/tollbit"
)

// Chain builds the adapter chain. Cloudflare and RSL are always present;
// Tollbit needs a gateway base_url. The adapters share cache; a nil cache
// gets a fresh one.
func (p ProtocolsConfig) Chain(policy protocols.PricingPolicy, cache *protocols.TokenCache, logger *slog.Logger) protocols.Chain {
	if cache == nil {
		cache = protocols.NewTokenCache()
	}
	chain := protocols.Chain{
		Cloudflare: cloudflare.NewAdapter(p.Cloudflare, cache, logger),
		RSL:        rsl.NewAdapter(p.RSL, cache, logger),
	}
	if p.Tollbit.BaseURL != "" {
		chain.Tollbit = tollbit.NewAdapter(p.Tollbit, policy, cache, logger)
	}
	return chain
}
