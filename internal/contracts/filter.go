package contracts

import "fmt"

// Scope selects how the candidate universe is resolved
type Scope string

const (
	ScopeAll      Scope = "ALL"
	ScopeIndustry Scope = "INDUSTRY"
	ScopeConcept  Scope = "CONCEPT"
	ScopeIndex    Scope = "INDEX"
	ScopeCustom   Scope = "CUSTOM"
)

// IsValid checks the scope against the known set
func (s Scope) IsValid() bool {
	switch s {
	case ScopeAll, ScopeIndustry, ScopeConcept, ScopeIndex, ScopeCustom:
		return true
	}
	return false
}

// DefaultNewListingDays is used when a filter enables new-listing exclusion
// without its own threshold
const DefaultNewListingDays = 60

// Range is an inclusive numeric interval; nil bounds are open
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// NewRange builds a closed range
func NewRange(min, max float64) *Range {
	return &Range{Min: &min, Max: &max}
}

// Contains reports whether v lies within the range (bounds inclusive)
func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

func (r *Range) validate(field string) error {
	if r == nil || r.Min == nil || r.Max == nil {
		return nil
	}
	if *r.Max <= *r.Min {
		return ValidationError{field, fmt.Sprintf("upper bound %v must exceed lower bound %v", *r.Max, *r.Min)}
	}
	return nil
}

// FilterSpec describes which instruments are eligible for screening
// ⭐ SSOT: 종목 선택 조건
type FilterSpec struct {
	Scope Scope `json:"scope" yaml:"scope"`

	Markets    []string `json:"markets,omitempty" yaml:"markets,omitempty"`
	Industries []string `json:"industries,omitempty" yaml:"industries,omitempty"`
	Concepts   []string `json:"concepts,omitempty" yaml:"concepts,omitempty"`
	Indexes    []string `json:"indexes,omitempty" yaml:"indexes,omitempty"`

	MarketCap *Range `json:"market_cap,omitempty" yaml:"market_cap,omitempty"`
	Price     *Range `json:"price,omitempty" yaml:"price,omitempty"`
	Turnover  *Range `json:"turnover,omitempty" yaml:"turnover,omitempty"`

	ExcludeST         bool `json:"exclude_st" yaml:"exclude_st"`
	ExcludeNewListing bool `json:"exclude_new_listing" yaml:"exclude_new_listing"`
	ExcludeSuspended  bool `json:"exclude_suspended" yaml:"exclude_suspended"`
	NewListingDays    int  `json:"new_listing_days,omitempty" yaml:"new_listing_days,omitempty"`

	Instruments []string `json:"instruments,omitempty" yaml:"instruments,omitempty"`
}

// Validate checks range ordering and scope requirements
func (f *FilterSpec) Validate() error {
	if !f.Scope.IsValid() {
		return ValidationError{"filter.scope", fmt.Sprintf("unknown scope %q", f.Scope)}
	}

	if err := f.MarketCap.validate("filter.market_cap"); err != nil {
		return err
	}
	if err := f.Price.validate("filter.price"); err != nil {
		return err
	}
	if err := f.Turnover.validate("filter.turnover"); err != nil {
		return err
	}

	switch f.Scope {
	case ScopeCustom:
		if len(f.Instruments) == 0 {
			return ValidationError{"filter.instruments", "CUSTOM scope requires a non-empty instrument list"}
		}
	case ScopeIndustry:
		if len(f.Industries) == 0 {
			return ValidationError{"filter.industries", "INDUSTRY scope requires at least one industry"}
		}
	case ScopeConcept:
		if len(f.Concepts) == 0 {
			return ValidationError{"filter.concepts", "CONCEPT scope requires at least one concept"}
		}
	case ScopeIndex:
		if len(f.Indexes) == 0 {
			return ValidationError{"filter.indexes", "INDEX scope requires at least one index"}
		}
	}

	if f.NewListingDays < 0 {
		return ValidationError{"filter.new_listing_days", "must be >= 0"}
	}

	return nil
}

// ListingThreshold returns the effective new-listing day threshold
func (f *FilterSpec) ListingThreshold(fallback int) int {
	if f.NewListingDays > 0 {
		return f.NewListingDays
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultNewListingDays
}
