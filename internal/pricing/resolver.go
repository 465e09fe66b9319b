package pricing

import (
	"errors"
	"fmt"
)

var ErrInvalidPrice = errors.New("no positive price configured")

// staticFallback is consulted last, after override, country and base tiers.
var staticFallback = Prices{
	KindText:  1,
	KindImage: 5,
}

// Resolve returns the effective per-message price for kind.
//
// Precedence (absent or non-positive tiers are skipped):
//  1. per-conversation override
//  2. country price, only when country is non-empty
//  3. base price
//  4. static fallback
//
// Resolve is pure; the same inputs always yield the same quote.
func Resolve(kind Kind, policy Policy, override Prices, country string) (Quote, error) {
	if kind == "" {
		return Quote{}, fmt.Errorf("%w: empty kind", ErrInvalidPrice)
	}
	if v, ok := positive(override, kind); ok {
		return Quote{Kind: kind, Cost: v, Tier: TierOverride}, nil
	}
	if NormalizeCountry(country) != "" {
		if v, ok := positive(policy.CountryPrices(country), kind); ok {
			return Quote{Kind: kind, Cost: v, Tier: TierCountry}, nil
		}
	}
	if v, ok := positive(policy.Base, kind); ok {
		return Quote{Kind: kind, Cost: v, Tier: TierBase}, nil
	}
	if v, ok := positive(staticFallback, kind); ok {
		return Quote{Kind: kind, Cost: v, Tier: TierFallback}, nil
	}
	return Quote{}, fmt.Errorf("%w: kind %q", ErrInvalidPrice, kind)
}

func positive(p Prices, kind Kind) (int64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p[kind]
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}
