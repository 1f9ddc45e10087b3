package contracts

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// WeightTolerance is the allowed deviation of enabled weights from 1.0
const WeightTolerance = 1e-3

// Computation is an opaque factor body: it receives the fetched data table
// and must return exactly one value per table row (NaN for missing)
type Computation interface {
	Compute(ctx context.Context, table *Table) ([]float64, error)
}

// ComputationFunc adapts a plain function to Computation
type ComputationFunc func(ctx context.Context, table *Table) ([]float64, error)

// Compute implements Computation
func (f ComputationFunc) Compute(ctx context.Context, table *Table) ([]float64, error) {
	return f(ctx, table)
}

// FactorDescriptor is one weighted factor of a strategy
type FactorDescriptor struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name,omitempty" yaml:"name,omitempty"`
	Weight  float64 `json:"weight" yaml:"weight"`
	Enabled bool    `json:"enabled" yaml:"enabled"`

	// Body is the formula text the requirement analyzer scans
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Kind + Params name a library computation ("momentum", window=20)
	Kind   string             `json:"kind,omitempty" yaml:"kind,omitempty"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Field  string             `json:"field,omitempty" yaml:"field,omitempty"`

	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	LookbackDays   int      `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`

	Computation Computation `json:"-" yaml:"-"`
}

// Strategy is a weighted factor list plus its scoring configuration
// ⭐ SSOT: 전략 정의
type Strategy struct {
	ID      string             `json:"id" yaml:"id"`
	Name    string             `json:"name" yaml:"name"`
	Factors []FactorDescriptor `json:"factors" yaml:"factors"`
	Scoring ScoringConfig      `json:"scoring" yaml:"scoring"`
}

// EnabledFactors returns the enabled descriptors in declaration order
func (s *Strategy) EnabledFactors() []FactorDescriptor {
	enabled := make([]FactorDescriptor, 0, len(s.Factors))
	for _, f := range s.Factors {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}
	return enabled
}

// MaxLookback returns the largest lookback across enabled factors
func (s *Strategy) MaxLookback() int {
	max := 0
	for _, f := range s.EnabledFactors() {
		if f.LookbackDays > max {
			max = f.LookbackDays
		}
	}
	return max
}

// Validate checks id uniqueness, weight ranges and the enabled weight sum
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return ValidationError{"strategy.id", "required"}
	}
	if len(s.Factors) == 0 {
		return ValidationError{"strategy.factors", "at least one factor is required"}
	}

	seen := make(map[string]bool, len(s.Factors))
	sum := decimal.Zero
	enabled := 0
	for i, f := range s.Factors {
		field := fmt.Sprintf("strategy.factors[%d]", i)
		if f.ID == "" {
			return ValidationError{field + ".id", "required"}
		}
		if seen[f.ID] {
			return ValidationError{field + ".id", fmt.Sprintf("duplicate factor id %q", f.ID)}
		}
		seen[f.ID] = true

		if math.IsNaN(f.Weight) || f.Weight < 0 || f.Weight > 1 {
			return ValidationError{field + ".weight", fmt.Sprintf("must be in [0, 1], got %v", f.Weight)}
		}
		if !f.Enabled {
			continue
		}
		if f.Computation == nil {
			return ValidationError{field, fmt.Sprintf("factor %q has no computation", f.ID)}
		}
		enabled++
		sum = sum.Add(decimal.NewFromFloat(f.Weight))
	}

	if enabled == 0 {
		return ValidationError{"strategy.factors", "no enabled factors"}
	}

	// 가중치 합 = 1.0 (허용 오차 1e-3)
	diff := sum.Sub(decimal.NewFromInt(1)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(WeightTolerance)) {
		return ValidationError{"strategy.factors", fmt.Sprintf("enabled weights must sum to 1.0, got %s", sum.String())}
	}

	return s.Scoring.Validate()
}
