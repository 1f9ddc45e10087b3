package contracts

import "fmt"

// StandardizeMethod names a standardization transform
type StandardizeMethod string

const (
	MethodZScore StandardizeMethod = "zscore"
	MethodRank   StandardizeMethod = "rank"
	MethodSign   StandardizeMethod = "sign"
	MethodMinMax StandardizeMethod = "minmax"
	MethodRobust StandardizeMethod = "robust"
)

// FillPolicy decides how missing raw values are treated before standardizing
type FillPolicy string

const (
	FillMedian FillPolicy = "median"
	FillZero   FillPolicy = "zero"
	FillDrop   FillPolicy = "drop"
)

// Grouping keys understood by the standardizer and ranker
const (
	GroupNone     = ""
	GroupDate     = "date"
	GroupIndustry = "industry"
	GroupMarket   = "market"
)

// Winsorize clips values to quantile bounds in [0, 1]
type Winsorize struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
}

// ScoringConfig configures standardization, combination and top-N selection
type ScoringConfig struct {
	Method      StandardizeMethod `json:"method" yaml:"method"`
	GroupBy     string            `json:"group_by" yaml:"group_by"`
	Winsorize   *Winsorize        `json:"winsorize,omitempty" yaml:"winsorize,omitempty"`
	FillMissing FillPolicy        `json:"fill_missing" yaml:"fill_missing"`

	// Renormalize rescales weights over the factors present for a row
	Renormalize bool `json:"renormalize" yaml:"renormalize"`

	TopN        int    `json:"top_n" yaml:"top_n"`
	GroupTopN   int    `json:"group_top_n,omitempty" yaml:"group_top_n,omitempty"`
	RankGroupBy string `json:"rank_group_by,omitempty" yaml:"rank_group_by,omitempty"`
}

// WithDefaults fills zero values with the engine defaults
func (c ScoringConfig) WithDefaults() ScoringConfig {
	if c.Method == "" {
		c.Method = MethodZScore
	}
	if c.FillMissing == "" {
		c.FillMissing = FillDrop
	}
	if c.TopN <= 0 {
		c.TopN = 50
	}
	if c.GroupTopN > 0 && c.RankGroupBy == "" {
		c.RankGroupBy = GroupDate
	}
	return c
}

// Validate checks method, fill policy, grouping and winsor bounds
func (c ScoringConfig) Validate() error {
	switch c.Method {
	case "", MethodZScore, MethodRank, MethodSign, MethodMinMax, MethodRobust:
	default:
		return ValidationError{"scoring.method", fmt.Sprintf("unknown method %q", c.Method)}
	}
	switch c.FillMissing {
	case "", FillMedian, FillZero, FillDrop:
	default:
		return ValidationError{"scoring.fill_missing", fmt.Sprintf("unknown policy %q", c.FillMissing)}
	}
	for _, g := range []string{c.GroupBy, c.RankGroupBy} {
		switch g {
		case GroupNone, GroupDate, GroupIndustry, GroupMarket:
		default:
			return ValidationError{"scoring.group_by", fmt.Sprintf("unknown grouping key %q", g)}
		}
	}
	if w := c.Winsorize; w != nil {
		if w.Lower < 0 || w.Upper > 1 || w.Lower >= w.Upper {
			return ValidationError{"scoring.winsorize", "must satisfy 0 <= lower < upper <= 1"}
		}
	}
	if c.TopN < 0 || c.GroupTopN < 0 {
		return ValidationError{"scoring.top_n", "must be >= 0"}
	}
	return nil
}
