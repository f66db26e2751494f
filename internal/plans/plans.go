// Package plans holds the plan catalogue: the numeric limits and feature
// flags attached to each subscription tier.
//
// A Catalog is loaded once at process start and never mutated afterwards, so
// it can be shared by reference between every consumer.
package plans

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
)

// Errors
var (
	ErrUnknownTier    = fmt.Errorf("plans: %w", apperr.Invalid("unknown plan tier"))
	ErrUnknownFeature = fmt.Errorf("plans: %w", apperr.Invalid("unknown feature"))
	ErrUnknownLimit   = fmt.Errorf("plans: %w", apperr.Invalid("unknown limit"))
	ErrMissingLimit   = fmt.Errorf("plans: %w", apperr.Invalid("tier does not declare a required limit"))
)

// Tier identifies a subscription level.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierLite       Tier = "LITE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Limit names.
const (
	LimitMaxMonthlySpend = "maxMonthlySpend"
	LimitMaxTeamMembers  = "maxTeamMembers"
	LimitMaxPrompts      = "maxPrompts"
)

// RequiredLimits must appear in every tier of a catalogue, with null for
// unlimited. An omitted cap is a configuration error, not an unlimited plan.
var RequiredLimits = []string{LimitMaxMonthlySpend, LimitMaxTeamMembers, LimitMaxPrompts}

// Feature names.
const (
	FeatureCaching            = "caching"
	FeaturePromptOptimization = "promptOptimization"
	FeatureAdvancedAnalytics  = "advancedAnalytics"
	FeatureAPIAccess          = "apiAccess"
	FeatureCustomModels       = "customModels"
)

//go:embed default.yaml
var defaultYAML []byte

// Limit is a numeric cap. The zero value is a cap of 0; use Unlimited for
// tiers without a cap.
type Limit struct {
	value     decimal.Decimal
	unlimited bool
}

// Unlimited returns a limit without a cap.
func Unlimited() Limit { return Limit{unlimited: true} }

// Capped returns a limit of v.
func Capped(v decimal.Decimal) Limit { return Limit{value: v} }

// IsUnlimited reports whether the limit has no cap.
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the cap; meaningless when IsUnlimited.
func (l Limit) Value() decimal.Decimal { return l.value }

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return l.value.String()
}

// UnmarshalYAML accepts a number or null.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "" || node.Value == "~") {
		*l = Unlimited()
		return nil
	}
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a number or null", node.Line)
	}
	v, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid limit %q: %w", node.Line, node.Value, err)
	}
	if v.IsNegative() {
		return fmt.Errorf("line %d: limit %q is negative", node.Line, node.Value)
	}
	*l = Capped(v)
	return nil
}

// Plan is the configuration for one tier.
type Plan struct {
	Tier           Tier
	Name           string
	MonthlyCredits int64
	Limits         map[string]Limit
	Features       map[string]bool
}

// Limit returns the named limit. RequiredLimits are always listed; any other
// limit not listed for the plan is unlimited.
func (p *Plan) Limit(name string) Limit {
	if l, ok := p.Limits[name]; ok {
		return l
	}
	return Unlimited()
}

// HasFeature reports whether the feature is enabled. Unlisted features are off.
func (p *Plan) HasFeature(name string) bool {
	return p.Features[name]
}

// Catalog maps tiers to plans.
type Catalog struct {
	version  string
	plans    map[Tier]*Plan
	features map[string]struct{}
	limits   map[string]struct{}
}

type catalogFile struct {
	Version string             `yaml:"version"`
	Plans   map[Tier]*planFile `yaml:"plans"`
}

// planFile mirrors Plan on disk. Limits decode into pointers because yaml.v3
// does not call UnmarshalYAML for null nodes; nil means unlimited.
type planFile struct {
	Name           string            `yaml:"name"`
	MonthlyCredits int64             `yaml:"monthlyCredits"`
	Limits         map[string]*Limit `yaml:"limits"`
	Features       map[string]bool   `yaml:"features"`
}

// Default returns the built-in catalogue.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic("plans: embedded catalogue is invalid: " + err.Error())
	}
	return c
}

// LoadFile reads a catalogue from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("plans: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load reads a catalogue from r.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("plans: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("plans: decode: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plans: catalogue defines no plans")
	}

	c := &Catalog{
		version:  file.Version,
		plans:    make(map[Tier]*Plan, len(file.Plans)),
		features: make(map[string]struct{}),
		limits:   make(map[string]struct{}),
	}
	for tier, pf := range file.Plans {
		if pf == nil {
			return nil, fmt.Errorf("plans: tier %s is empty", tier)
		}
		normalized := Tier(strings.ToUpper(string(tier)))
		if pf.MonthlyCredits < 0 {
			return nil, fmt.Errorf("plans: tier %s has negative monthlyCredits", normalized)
		}
		p := &Plan{
			Tier:           normalized,
			Name:           pf.Name,
			MonthlyCredits: pf.MonthlyCredits,
			Limits:         make(map[string]Limit, len(pf.Limits)),
			Features:       make(map[string]bool, len(pf.Features)),
		}
		if p.Name == "" {
			p.Name = string(normalized)
		}
		for _, name := range RequiredLimits {
			if _, ok := pf.Limits[name]; !ok {
				return nil, fmt.Errorf("%w: tier %s has no %s (use null for unlimited)", ErrMissingLimit, normalized, name)
			}
		}
		for name, l := range pf.Limits {
			if l == nil {
				p.Limits[name] = Unlimited()
			} else {
				p.Limits[name] = *l
			}
			c.limits[name] = struct{}{}
		}
		for name, on := range pf.Features {
			p.Features[name] = on
			c.features[name] = struct{}{}
		}
		c.plans[normalized] = p
	}
	return c, nil
}

// Version returns the catalogue version string.
func (c *Catalog) Version() string { return c.version }

// Plan returns the plan for a tier.
func (c *Catalog) Plan(tier Tier) (*Plan, error) {
	p, ok := c.plans[Tier(strings.ToUpper(string(tier)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return p, nil
}

// Tiers returns every tier in the catalogue, sorted.
func (c *Catalog) Tiers() []Tier {
	tiers := make([]Tier, 0, len(c.plans))
	for t := range c.plans {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// KnownFeature reports whether any plan declares the feature.
func (c *Catalog) KnownFeature(name string) bool {
	_, ok := c.features[name]
	return ok
}

// KnownLimit reports whether any plan declares the limit.
func (c *Catalog) KnownLimit(name string) bool {
	_, ok := c.limits[name]
	return ok
}

// ValidTier returns true if the tier is in the catalogue.
func (c *Catalog) ValidTier(t Tier) bool {
	_, err := c.Plan(t)
	return err == nil
}
