package protocols

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies a content-licensing protocol.
type Protocol string

const (
	Cloudflare Protocol = "CLOUDFLARE"
	Tollbit    Protocol = "TOLLBIT"
	RSL        Protocol = "RSL"
)

// Tier is an access level with its own price and availability.
type Tier string

const (
	TierAI         Tier = "AI_TIER"
	TierFullAccess Tier = "FULL_ACCESS"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierAI, TierFullAccess}

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierAI, "AI":
		return TierAI, nil
	case TierFullAccess, "FULL":
		return TierFullAccess, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

const microsPerUnit = 1_000_000

var ErrInvalidAmount = errors.New("invalid monetary amount")

// Money is an amount in millionths of the currency unit, tagged with an
// ISO 4217 code.
type Money struct {
	Micros   int64  `json:"micros"`
	Currency string `json:"currency"`
}

// Cents returns the amount in minor units (hundredths), rounded up so a
// fractional cent is never undercharged.
func (m Money) Cents() int64 {
	const microsPerCent = microsPerUnit / 100
	if m.Micros <= 0 {
		return 0
	}
	return (m.Micros + microsPerCent - 1) / microsPerCent
}

// Scale multiplies the amount by f, rounding to the nearest micro.
func (m Money) Scale(f float64) Money {
	v := float64(m.Micros) * f
	return Money{Micros: int64(v + 0.5), Currency: m.Currency}
}

func (m Money) String() string {
	whole := m.Micros / microsPerUnit
	frac := m.Micros % microsPerUnit
	if frac < 0 {
		frac = -frac
	}
	s := strings.TrimRight(fmt.Sprintf("%d.%06d", whole, frac), "0")
	s = strings.TrimSuffix(s, ".")
	return m.Currency + " " + s
}

// ParseDecimal parses a decimal string such as "0.015" into Money.
func ParseDecimal(amount, currency string) (Money, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return Money{}, ErrInvalidAmount
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return Money{Micros: w*microsPerUnit + f, Currency: strings.ToUpper(strings.TrimSpace(currency))}, nil
}

// ParseCurrencyAmount parses "USD 0.01" style header values.
func ParseCurrencyAmount(v string) (Money, error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	return ParseDecimal(fields[1], fields[0])
}

// LicenseTerms is the outcome of a successful discovery. Prices are nil
// when the publisher did not assert that tier.
type LicenseTerms struct {
	Protocol            Protocol `json:"protocol"`
	URL                 string   `json:"url"`
	AITierPrice         *Money   `json:"ai_tier_price,omitempty"`
	FullAccessPrice     *Money   `json:"full_access_price,omitempty"`
	PriceEstimated      bool     `json:"price_estimated"`
	Publisher           string   `json:"publisher,omitempty"`
	LicenseServerURL    string   `json:"license_server_url,omitempty"`
	PermitsAITraining   bool     `json:"permits_ai_training"`
	PermitsAIInclude    bool     `json:"permits_ai_include"`
	PermitsSearch       bool     `json:"permits_search"`
	RequiresAttribution bool     `json:"requires_attribution"`
}

// PriceFor returns the asserted price for tier.
func (t *LicenseTerms) PriceFor(tier Tier) *Money {
	switch tier {
	case TierAI:
		return t.AITierPrice
	case TierFullAccess:
		return t.FullAccessPrice
	}
	return nil
}

// LicenseToken authorizes retrieval of one URL at one tier.
type LicenseToken struct {
	Token      string    `json:"-"`
	Protocol   Protocol  `json:"protocol"`
	Cost       Money     `json:"cost"`
	// Estimated marks a Cost derived from policy rather than quoted by the
	// provider for this tier.
	Estimated  bool      `json:"estimated"`
	ExpiresAt  time.Time `json:"expires_at"`
	ContentURL string    `json:"content_url"`
	Tier       Tier      `json:"license_type"`
	SingleUse  bool      `json:"single_use"`
}

// Expired reports whether the token can no longer be presented at now.
func (t *LicenseToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Content is a licensed payload.
type Content struct {
	URL         string   `json:"url"`
	Protocol    Protocol `json:"protocol"`
	Tier        Tier     `json:"tier"`
	ContentType string   `json:"content_type"`
	Body        []byte   `json:"-"`
	Charged     *Money   `json:"charged,omitempty"`
}
