package pricing

import (
	"strings"
	"time"
)

// Kind is the message modality a price is looked up by. The set is open:
// any non-empty kind may be priced by the policy document.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Prices maps a message kind to a token price.
type Prices map[Kind]int64

// Policy is an immutable snapshot of the admin pricing document.
//
// Countries is keyed by normalized ISO country code (see NormalizeCountry).
type Policy struct {
	Base      Prices            `json:"base"`
	Countries map[string]Prices `json:"countries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Tier names the precedence level a price was resolved from.
type Tier string

const (
	TierOverride Tier = "override"
	TierCountry  Tier = "country"
	TierBase     Tier = "base"
	TierFallback Tier = "fallback"
)

// Quote is the result of a price resolution.
type Quote struct {
	Kind Kind  `json:"kind"`
	Cost int64 `json:"token_cost"`
	Tier Tier  `json:"tier"`
}

// NormalizeCountry trims and upper-cases an ISO country code.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CountryPrices returns the per-kind prices for a country, or nil.
func (p Policy) CountryPrices(country string) Prices {
	if len(p.Countries) == 0 {
		return nil
	}
	return p.Countries[NormalizeCountry(country)]
}
