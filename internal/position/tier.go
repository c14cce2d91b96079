package position

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a single take-profit level.
type Tier uint8

const (
	Tier2x Tier = 1 << iota
	Tier3x
	Tier5x
	Tier10x
)

var tierNames = map[Tier]string{
	Tier2x:  "2x",
	Tier3x:  "3x",
	Tier5x:  "5x",
	Tier10x: "10x",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// ParseTier accepts "2x", "3x", "5x" and "10x".
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if _, ok := tierNames[t]; !ok {
		return nil, fmt.Errorf("unknown tier %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rule pairs a tier with its trigger multiple and the fraction of the
// remaining quantity it sells.
type Rule struct {
	Tier     Tier
	Multiple decimal.Decimal
	Fraction decimal.Decimal
}

// Target is the price at which the rule fires for the given entry price.
func (r Rule) Target(entry decimal.Decimal) decimal.Decimal {
	return entry.Mul(r.Multiple)
}

// Rules is the take-profit ladder in ascending order of multiple.
var Rules = []Rule{
	{Tier: Tier2x, Multiple: decimal.NewFromInt(2), Fraction: decimal.RequireFromString("0.5")},
	{Tier: Tier3x, Multiple: decimal.NewFromInt(3), Fraction: decimal.RequireFromString("0.1")},
	{Tier: Tier5x, Multiple: decimal.NewFromInt(5), Fraction: decimal.RequireFromString("0.2")},
	{Tier: Tier10x, Multiple: decimal.NewFromInt(10), Fraction: decimal.RequireFromString("0.2")},
}

// RuleFor returns the ladder rule of t.
func RuleFor(t Tier) (Rule, bool) {
	for _, r := range Rules {
		if r.Tier == t {
			return r, true
		}
	}
	return Rule{}, false
}

// TierSet is the set of tiers already executed for a position.
type TierSet uint8

func (s TierSet) Has(t Tier) bool { return uint8(s)&uint8(t) != 0 }

func (s TierSet) With(t Tier) TierSet { return TierSet(uint8(s) | uint8(t)) }

// Tiers lists members in ladder order.
func (s TierSet) Tiers() []Tier {
	var out []Tier
	for _, r := range Rules {
		if s.Has(r.Tier) {
			out = append(out, r.Tier)
		}
	}
	return out
}

// Complete reports whether every ladder tier has fired.
func (s TierSet) Complete() bool {
	for _, r := range Rules {
		if !s.Has(r.Tier) {
			return false
		}
	}
	return true
}

func (s TierSet) String() string {
	names := make([]string, 0, len(Rules))
	for _, t := range s.Tiers() {
		names = append(names, t.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}

// MarshalJSON writes the set as a list of tier names.
func (s TierSet) MarshalJSON() ([]byte, error) {
	tiers := s.Tiers()
	if tiers == nil {
		tiers = []Tier{}
	}
	return json.Marshal(tiers)
}

func (s *TierSet) UnmarshalJSON(b []byte) error {
	var tiers []Tier
	if err := json.Unmarshal(b, &tiers); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	var set TierSet
	for _, t := range tiers {
		set = set.With(t)
	}
	*s = set
	return nil
}
