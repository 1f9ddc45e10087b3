package requirement

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/internal/contracts"
)

func TestAnalyzer_Factor(t *testing.T) {
	a := NewAnalyzer(nil)

	tests := []struct {
		name    string
		factor  contracts.FactorDescriptor
		want    contracts.DataRequirement
		unknown []string
	}{
		{
			name:   "price momentum",
			factor: contracts.FactorDescriptor{Body: "df['close'].pct_change(20)"},
			want:   contracts.DataRequirement{"daily": {"close"}},
		},
		{
			name:   "cross interface",
			factor: contracts.FactorDescriptor{Body: "1 / df['pe_ttm'] + df['roe'] * 1e-3"},
			want: contracts.DataRequirement{
				"daily_basic":    {"pe_ttm"},
				"fina_indicator": {"roe"},
			},
		},
		{
			name:    "derived column is a warning",
			factor:  contracts.FactorDescriptor{Body: "df['ret_5d'].rolling(5).mean() * df['vol']"},
			want:    contracts.DataRequirement{"daily": {"vol"}},
			unknown: []string{"ret_5d"},
		},
		{
			name: "declared and source fields",
			factor: contracts.FactorDescriptor{
				Kind:           "field",
				Field:          "pb",
				RequiredFields: []string{"close", "net_mf_amount"},
			},
			want: contracts.DataRequirement{
				"daily":       {"close"},
				"daily_basic": {"pb"},
				"moneyflow":   {"net_mf_amount"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unknown := a.Factor(tt.factor)
			assert.Equal(t, tt.want, got)
			if tt.unknown == nil {
				assert.Empty(t, unknown)
			} else {
				assert.Equal(t, tt.unknown, unknown)
			}
		})
	}
}

func TestAnalyzer_AnalyzeUnionsEnabledOnly(t *testing.T) {
	a := NewAnalyzer(nil)
	factors := []contracts.FactorDescriptor{
		{ID: "mom", Enabled: true, Body: "close / close.shift(20) - 1"},
		{ID: "value", Enabled: true, Body: "1 / pb", RequiredFields: []string{"close"}},
		{ID: "flow", Enabled: false, Body: "net_mf_amount"},
		{ID: "custom", Enabled: true, Body: "alpha_101(high, low)"},
	}

	got := a.Analyze(factors)

	assert.Equal(t, contracts.DataRequirement{
		"daily":       {"close", "high", "low"},
		"daily_basic": {"pb"},
	}, got.Requirement)
	assert.NotContains(t, got.PerFactor, "flow")
	assert.Equal(t, []Warning{{FactorID: "custom", Token: "alpha_101"}}, got.Warnings)
}

func TestVocabulary_PriorityOrder(t *testing.T) {
	v := &Vocabulary{Interfaces: []InterfaceFields{
		{Name: "first", Fields: []string{"close"}},
		{Name: "second", Fields: []string{"close", "vwap"}},
	}}

	iface, ok := v.Lookup("close")
	require.True(t, ok)
	assert.Equal(t, "first", iface)

	iface, ok = v.Lookup("vwap")
	require.True(t, ok)
	assert.Equal(t, "second", iface)

	_, ok = v.Lookup("missing")
	assert.False(t, ok)
}

func TestVocabulary_ConcurrentLookup(t *testing.T) {
	v := &Vocabulary{Interfaces: []InterfaceFields{
		{Name: "daily", Fields: []string{"close", "open"}},
		{Name: "daily_basic", Fields: []string{"pe", "pb"}},
	}}

	fields := []string{"close", "open", "pe", "pb"}
	want := map[string]string{"close": "daily", "open": "daily", "pe": "daily_basic", "pb": "daily_basic"}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := fields[i%len(fields)]
			if iface, ok := v.Lookup(f); !ok || iface != want[f] {
				errs <- f
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	var bad []string
	for f := range errs {
		bad = append(bad, f)
	}
	assert.Empty(t, bad)
}

func TestLoadVocabulary(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "vocab.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
interfaces:
  - name: bars
    fields: [close, volume]
`), 0o644))

	v, err := LoadVocabulary(good)
	require.NoError(t, err)
	iface, ok := v.Lookup("volume")
	assert.True(t, ok)
	assert.Equal(t, "bars", iface)

	typo := filepath.Join(dir, "typo.yaml")
	require.NoError(t, os.WriteFile(typo, []byte(`
interfaces:
  - name: bars
    feilds: [close]
`), 0o644))
	_, err = LoadVocabulary(typo)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
interfaces:
  - name: bars
    fields: [close]
  - name: bars
    fields: [open]
`), 0o644))
	_, err = LoadVocabulary(dup)
	assert.Error(t, err)

	_, err = LoadVocabulary(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
