package pricing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidDocument = errors.New("invalid pricing document")

// maxExactFloat is the largest magnitude below which every integer is exact
// in a float64.
const maxExactFloat = 1 << 53

// ParsePolicy decodes an admin pricing document of the shape
//
//	{"base": {"text": 1, "image": 5}, "countries": {"FR": {"text": 2}}}
//
// Prices may be JSON numbers or numeric strings ("5"). Empty input yields an
// empty policy, which resolves through the static fallback.
func ParsePolicy(raw []byte) (Policy, error) {
	var p Policy
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	if !gjson.ValidBytes(raw) {
		return Policy{}, ErrInvalidDocument
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Policy{}, fmt.Errorf("%w: expected object", ErrInvalidDocument)
	}

	base, err := parsePrices(doc.Get("base"))
	if err != nil {
		return Policy{}, fmt.Errorf("base: %w", err)
	}
	p.Base = base

	var cerr error
	doc.Get("countries").ForEach(func(key, value gjson.Result) bool {
		code := NormalizeCountry(key.String())
		if code == "" {
			return true
		}
		prices, err := parsePrices(value)
		if err != nil {
			cerr = fmt.Errorf("countries.%s: %w", code, err)
			return false
		}
		if p.Countries == nil {
			p.Countries = map[string]Prices{}
		}
		p.Countries[code] = prices
		return true
	})
	if cerr != nil {
		return Policy{}, cerr
	}
	return p, nil
}

// ParseOverride decodes a per-conversation override object ({"text": 3}).
// Null or empty input means no override.
func ParseOverride(raw []byte) (Prices, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidDocument
	}
	return parsePrices(gjson.ParseBytes(raw))
}

// ParsePrice coerces a loosely typed price value. Numbers must be integral;
// strings must hold a base-10 integer. Null and missing values are zero,
// which the resolver treats as an absent tier.
func ParsePrice(v gjson.Result) (int64, error) {
	switch v.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		if n, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
			return n, nil
		}
		// Forms like 5.0 or 5e2 must be integral and exact in a float64.
		f := v.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: non-integral price %s", ErrInvalidDocument, v.Raw)
		}
		if math.Abs(f) > maxExactFloat {
			return 0, fmt.Errorf("%w: price %s out of range", ErrInvalidDocument, v.Raw)
		}
		return int64(f), nil
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: price %q", ErrInvalidDocument, v.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: unsupported price %s", ErrInvalidDocument, v.Raw)
	}
}

func parsePrices(obj gjson.Result) (Prices, error) {
	if !obj.Exists() || obj.Type == gjson.Null {
		return nil, nil
	}
	if !obj.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrInvalidDocument, obj.Raw)
	}
	out := Prices{}
	var perr error
	obj.ForEach(func(key, value gjson.Result) bool {
		n, err := ParsePrice(value)
		if err != nil {
			perr = fmt.Errorf("%s: %w", key.String(), err)
			return false
		}
		out[Kind(key.String())] = n
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

// EncodePolicy renders a policy in the document shape ParsePolicy accepts.
func EncodePolicy(p Policy) ([]byte, error) {
	doc := struct {
		Base      Prices            `json:"base"`
		Countries map[string]Prices `json:"countries,omitempty"`
	}{Base: p.Base, Countries: p.Countries}
	if doc.Base == nil {
		doc.Base = Prices{}
	}
	return json.Marshal(doc)
}

// EncodeOverride renders an override object, or nil when empty.
func EncodeOverride(p Prices) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.Marshal(p)
}
