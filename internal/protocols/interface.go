package protocols

import (
	"context"
)

// Adapter is implemented once per licensing protocol.
type Adapter interface {
	// Protocol this adapter speaks.
	Protocol() Protocol

	// CheckSource detects protocol support for url. It returns (nil, nil)
	// when the protocol does not apply, and an error only for transient
	// failures (timeouts, 5xx).
	CheckSource(ctx context.Context, url string) (*LicenseTerms, error)

	// RequestLicense mints a credential for tier. It returns (nil, nil) when
	// the publisher has not configured that tier.
	RequestLicense(ctx context.Context, url string, tier Tier) (*LicenseToken, error)

	// FetchContent retrieves the payload using token.
	FetchContent(ctx context.Context, url string, token *LicenseToken) (*Content, error)
}

// Chain is the closed set of adapters in discovery priority order.
// Premium publishers cluster on Cloudflare, so it is tried first to avoid
// settling for a cheaper tier from another protocol on the same domain.
type Chain struct {
	Cloudflare Adapter
	Tollbit    Adapter
	RSL        Adapter
}

// Ordered returns the configured adapters, highest priority first.
func (c Chain) Ordered() []Adapter {
	out := make([]Adapter, 0, 3)
	for _, a := range []Adapter{c.Cloudflare, c.Tollbit, c.RSL} {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// For returns the adapter for p.
func (c Chain) For(p Protocol) (Adapter, bool) {
	var a Adapter
	switch p {
	case Cloudflare:
		a = c.Cloudflare
	case Tollbit:
		a = c.Tollbit
	case RSL:
		a = c.RSL
	}
	return a, a != nil
}
