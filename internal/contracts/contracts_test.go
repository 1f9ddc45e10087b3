package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noop = ComputationFunc(func(ctx context.Context, t *Table) ([]float64, error) {
	return make([]float64, t.Len()), nil
})

func factor(id string, weight float64, enabled bool) FactorDescriptor {
	return FactorDescriptor{ID: id, Weight: weight, Enabled: enabled, Computation: noop}
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		factors []FactorDescriptor
		wantErr bool
	}{
		{"exact sum", []FactorDescriptor{factor("a", 0.5, true), factor("b", 0.5, true)}, false},
		{"within tolerance", []FactorDescriptor{factor("a", 0.3333, true), factor("b", 0.3333, true), factor("c", 0.3333, true)}, false},
		{"disabled ignored", []FactorDescriptor{factor("a", 1.0, true), factor("b", 0.7, false)}, false},
		{"sum too low", []FactorDescriptor{factor("a", 0.5, true), factor("b", 0.49, true)}, true},
		{"sum too high", []FactorDescriptor{factor("a", 0.6, true), factor("b", 0.6, true)}, true},
		{"duplicate ids", []FactorDescriptor{factor("a", 0.5, true), factor("a", 0.5, true)}, true},
		{"weight out of range", []FactorDescriptor{factor("a", 1.5, true)}, true},
		{"NaN weight", []FactorDescriptor{factor("a", math.NaN(), true)}, true},
		{"infinite weight", []FactorDescriptor{factor("a", math.Inf(1), true), factor("b", math.Inf(-1), true)}, true},
		{"NaN weight on disabled factor", []FactorDescriptor{factor("a", 1.0, true), factor("b", math.NaN(), false)}, true},
		{"nothing enabled", []FactorDescriptor{factor("a", 1.0, false)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Strategy{ID: "s1", Factors: tt.factors}
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err), "expected ValidationError, got %T", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStrategy_Validate_MissingComputation(t *testing.T) {
	s := &Strategy{ID: "s1", Factors: []FactorDescriptor{{ID: "a", Weight: 1, Enabled: true}}}
	assert.Error(t, s.Validate())
}

func TestFilterSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    FilterSpec
		wantErr string
	}{
		{"all scope", FilterSpec{Scope: ScopeAll}, ""},
		{"inverted market cap", FilterSpec{Scope: ScopeAll, MarketCap: NewRange(100, 10)}, "filter.market_cap"},
		{"equal bounds", FilterSpec{Scope: ScopeAll, Price: NewRange(5, 5)}, "filter.price"},
		{"open range ok", FilterSpec{Scope: ScopeAll, Turnover: &Range{Min: ptr(1)}}, ""},
		{"empty custom", FilterSpec{Scope: ScopeCustom}, "filter.instruments"},
		{"custom ok", FilterSpec{Scope: ScopeCustom, Instruments: []string{"000001.SZ"}}, ""},
		{"industry without list", FilterSpec{Scope: ScopeIndustry}, "filter.industries"},
		{"unknown scope", FilterSpec{Scope: "SECTOR"}, "filter.scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var ve ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.wantErr, ve.Field)
		})
	}
}

func TestRange_ContainsInclusive(t *testing.T) {
	r := NewRange(10, 20)
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(9.99))
	assert.False(t, r.Contains(20.01))

	var open *Range
	assert.True(t, open.Contains(-1e9))
}

func TestFilterSpec_ListingThreshold(t *testing.T) {
	assert.Equal(t, 60, (&FilterSpec{}).ListingThreshold(0))
	assert.Equal(t, 90, (&FilterSpec{}).ListingThreshold(90))
	assert.Equal(t, 30, (&FilterSpec{NewListingDays: 30}).ListingThreshold(90))
}

func TestMergeTables(t *testing.T) {
	d1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	daily := NewTable("close")
	daily.AppendRow(RowKey{"B", d1}, map[string]float64{"close": 20})
	daily.AppendRow(RowKey{"A", d2}, map[string]float64{"close": 11})
	daily.AppendRow(RowKey{"A", d1}, map[string]float64{"close": 10})

	basic := NewTable("pe")
	basic.AppendRow(RowKey{"A", d1.Add(15 * time.Hour)}, map[string]float64{"pe": 8})

	merged := MergeTables(daily, basic)

	require.Equal(t, 3, merged.Len())
	assert.Equal(t, RowKey{"A", d1}, merged.Keys[0])
	assert.Equal(t, RowKey{"A", d2}, merged.Keys[1])
	assert.Equal(t, RowKey{"B", d1}, merged.Keys[2])
	assert.Equal(t, []float64{10, 11, 20}, merged.Column("close"))

	pe := merged.Column("pe")
	assert.Equal(t, 8.0, pe[0])
	assert.True(t, math.IsNaN(pe[1]))
	assert.True(t, math.IsNaN(pe[2]))

	rows := merged.InstrumentRows()
	assert.Equal(t, []int{0, 1}, rows["A"])
	assert.Equal(t, []int{2}, rows["B"])
}

func TestAsOfJoin_CarriesLatestPublishedValue(t *testing.T) {
	d27 := time.Date(2024, 6, 27, 0, 0, 0, 0, time.UTC)
	d28 := d27.AddDate(0, 0, 1)

	daily := NewTable("close")
	daily.AppendRow(RowKey{"A", d27}, map[string]float64{"close": 10})
	daily.AppendRow(RowKey{"A", d28}, map[string]float64{"close": 11})
	daily.AppendRow(RowKey{"B", d28}, map[string]float64{"close": 20})

	fina := NewTable("roe", "eps")
	fina.AppendRow(RowKey{"A", time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)}, map[string]float64{"roe": 9, "eps": 0.4})
	fina.AppendRow(RowKey{"A", time.Date(2024, 4, 27, 0, 0, 0, 0, time.UTC)}, map[string]float64{"roe": 12.5, "eps": math.NaN()})
	fina.AppendRow(RowKey{"A", d28}, map[string]float64{"roe": 13})
	fina.AppendRow(RowKey{"C", d27}, map[string]float64{"roe": 7})
	fina.Sort()

	out := AsOfJoin(daily, fina)

	require.Equal(t, daily.Keys, out.Keys, "event dates add no rows")
	assert.Equal(t, []float64{10, 11, 20}, out.Column("close"))

	roe := out.Column("roe")
	assert.Equal(t, 12.5, roe[0])
	assert.Equal(t, 13.0, roe[1], "published on the row date is visible")
	assert.True(t, math.IsNaN(roe[2]))

	eps := out.Column("eps")
	assert.Equal(t, 0.4, eps[0], "latest non-missing value")
	assert.Equal(t, 0.4, eps[1])

	assert.Nil(t, daily.Column("roe"), "base is not modified")
}

func TestAsOfJoin_NoEvents(t *testing.T) {
	daily := NewTable("close")
	daily.AppendRow(RowKey{"A", time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)}, map[string]float64{"close": 10})

	out := AsOfJoin(daily, NewTable())
	assert.Equal(t, daily.Keys, out.Keys)
	assert.Equal(t, []float64{10}, out.Column("close"))
}

func TestTable_JSONKeepsMissingValues(t *testing.T) {
	tbl := NewTable("close")
	tbl.AppendRow(RowKey{"A", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, map[string]float64{"close": 1.5})
	tbl.AppendRow(RowKey{"B", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, map[string]float64{})

	data, err := json.Marshal(tbl)
	require.NoError(t, err)

	var back Table
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1.5, back.Column("close")[0])
	assert.True(t, math.IsNaN(back.Column("close")[1]))
}

func TestDataRequirement_Add(t *testing.T) {
	req := DataRequirement{}
	req.Add("daily", "close")
	req.Add("daily", "open")
	req.Add("daily", "close")
	req.Add("daily_basic", "pe")

	assert.Equal(t, []string{"close", "open"}, req["daily"])
	assert.Equal(t, []string{"daily", "daily_basic"}, req.Interfaces())
	assert.Equal(t, 3, req.FieldCount())
}

func TestScoringConfig_Validate(t *testing.T) {
	assert.NoError(t, ScoringConfig{}.Validate())
	assert.Error(t, ScoringConfig{Method: "pca"}.Validate())
	assert.Error(t, ScoringConfig{GroupBy: "week"}.Validate())
	assert.Error(t, ScoringConfig{Winsorize: &Winsorize{Lower: 0.9, Upper: 0.1}}.Validate())

	d := ScoringConfig{GroupTopN: 5}.WithDefaults()
	assert.Equal(t, MethodZScore, d.Method)
	assert.Equal(t, FillDrop, d.FillMissing)
	assert.Equal(t, GroupDate, d.RankGroupBy)
}

func ptr(v float64) *float64 { return &v }
