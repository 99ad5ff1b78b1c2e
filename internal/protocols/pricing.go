package protocols

// PricingPolicy supplies the multipliers used to estimate a tier price from
// a provider's base cost when the provider does not quote one. Multipliers
// only shape the estimate; tier availability is always confirmed separately.
type PricingPolicy interface {
	Multiplier(tier Tier) float64
}

// FixedPolicy is a static PricingPolicy.
type FixedPolicy map[Tier]float64

func (p FixedPolicy) Multiplier(tier Tier) float64 {
	if m, ok := p[tier]; ok && m > 0 {
		return m
	}
	return 1
}

// DefaultPolicy mirrors the shipped pricing.yaml.
var DefaultPolicy = FixedPolicy{TierAI: 1, TierFullAccess: 5}
