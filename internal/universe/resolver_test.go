package universe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/internal/contracts"
)

type fakeProvider struct {
	instruments []contracts.Instrument
	err         error
	calls       int
}

func (p *fakeProvider) Resolve(ctx context.Context, filter *contracts.FilterSpec, asOf time.Time) ([]contracts.Instrument, error) {
	p.calls++
	return p.instruments, p.err
}

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

func sample() []contracts.Instrument {
	old := asOf.AddDate(-5, 0, 0)
	return []contracts.Instrument{
		{ID: "600000.SH", Industry: "Bank", Market: "Main", ListDate: old, MarketCap: 200, Price: 7, Turnover: 0.5},
		{ID: "000001.SZ", Industry: "Bank", Market: "Main", ListDate: old, MarketCap: 100, Price: 10, Turnover: 1},
		{ID: "300750.SZ", Industry: "Battery", Market: "ChiNext", ListDate: old, MarketCap: 800, Price: 180, Turnover: 2},
		{ID: "600001.SH", Industry: "Steel", Market: "Main", ListDate: old, IsST: true, MarketCap: 5, Price: 2, Turnover: 3},
		{ID: "688999.SH", Industry: "Chip", Market: "STAR", ListDate: asOf.AddDate(0, 0, -30), MarketCap: 50, Price: 40, Turnover: 9},
		{ID: "002000.SZ", Industry: "Retail", Market: "SME", ListDate: old, IsSuspended: true, MarketCap: 30, Price: 6, Turnover: 0},
		{ID: "000001.SZ", Industry: "Bank", Market: "Main", ListDate: old, MarketCap: 100, Price: 10, Turnover: 1},
	}
}

func TestResolve_SortedAndDeduplicated(t *testing.T) {
	r := NewResolver(&fakeProvider{instruments: sample()}, 60, nil)

	u, err := r.Resolve(context.Background(), &contracts.FilterSpec{Scope: contracts.ScopeAll}, asOf)
	require.NoError(t, err)

	assert.Equal(t, []string{"000001.SZ", "002000.SZ", "300750.SZ", "600000.SH", "600001.SH", "688999.SH"}, u.Instruments)
	assert.Empty(t, u.Excluded)
	assert.Equal(t, "Battery", u.Attributes["300750.SZ"].Industry)
}

func TestResolve_Exclusions(t *testing.T) {
	tests := []struct {
		name     string
		filter   contracts.FilterSpec
		want     []string
		excluded []string
	}{
		{
			name:     "exclude ST",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, ExcludeST: true},
			want:     []string{"000001.SZ", "002000.SZ", "300750.SZ", "600000.SH", "688999.SH"},
			excluded: []string{"600001.SH"},
		},
		{
			name:     "exclude suspended",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, ExcludeSuspended: true},
			want:     []string{"000001.SZ", "300750.SZ", "600000.SH", "600001.SH", "688999.SH"},
			excluded: []string{"002000.SZ"},
		},
		{
			name:     "exclude new listing with default threshold",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, ExcludeNewListing: true},
			want:     []string{"000001.SZ", "002000.SZ", "300750.SZ", "600000.SH", "600001.SH"},
			excluded: []string{"688999.SH"},
		},
		{
			name:   "new listing threshold from filter",
			filter: contracts.FilterSpec{Scope: contracts.ScopeAll, ExcludeNewListing: true, NewListingDays: 20},
			want:   []string{"000001.SZ", "002000.SZ", "300750.SZ", "600000.SH", "600001.SH", "688999.SH"},
		},
		{
			name:     "range bounds are inclusive",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, MarketCap: contracts.NewRange(100, 200)},
			want:     []string{"000001.SZ", "600000.SH"},
			excluded: []string{"002000.SZ", "300750.SZ", "600001.SH", "688999.SH"},
		},
		{
			name:     "price and turnover",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, Price: contracts.NewRange(5, 50), Turnover: contracts.NewRange(0.5, 1)},
			want:     []string{"000001.SZ", "600000.SH"},
			excluded: []string{"002000.SZ", "300750.SZ", "600001.SH", "688999.SH"},
		},
		{
			name:     "market filter",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeAll, Markets: []string{"ChiNext", "STAR"}},
			want:     []string{"300750.SZ", "688999.SH"},
			excluded: []string{"000001.SZ", "002000.SZ", "600000.SH", "600001.SH"},
		},
		{
			name:     "industry scope double-checks membership",
			filter:   contracts.FilterSpec{Scope: contracts.ScopeIndustry, Industries: []string{"Bank"}},
			want:     []string{"000001.SZ", "600000.SH"},
			excluded: []string{"002000.SZ", "300750.SZ", "600001.SH", "688999.SH"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&fakeProvider{instruments: sample()}, 60, nil)
			u, err := r.Resolve(context.Background(), &tt.filter, asOf)
			require.NoError(t, err)

			assert.Equal(t, tt.want, u.Instruments)
			excluded := make([]string, 0, len(u.Excluded))
			for id := range u.Excluded {
				excluded = append(excluded, id)
			}
			assert.ElementsMatch(t, tt.excluded, excluded)
		})
	}
}

func TestResolve_CustomScopeKeepsLiteralList(t *testing.T) {
	r := NewResolver(&fakeProvider{instruments: sample()}, 60, nil)
	filter := &contracts.FilterSpec{
		Scope:       contracts.ScopeCustom,
		Instruments: []string{"600000.SH", "999999.SZ", "600000.SH"},
	}

	u, err := r.Resolve(context.Background(), filter, asOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"600000.SH", "999999.SZ"}, u.Instruments)
}

func TestResolve_ValidationBeforeProvider(t *testing.T) {
	tests := []struct {
		name   string
		filter contracts.FilterSpec
	}{
		{"empty custom", contracts.FilterSpec{Scope: contracts.ScopeCustom}},
		{"inverted range", contracts.FilterSpec{Scope: contracts.ScopeAll, Price: contracts.NewRange(10, 5)}},
		{"equal bounds", contracts.FilterSpec{Scope: contracts.ScopeAll, MarketCap: contracts.NewRange(5, 5)}},
		{"unknown scope", contracts.FilterSpec{Scope: "SECTOR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{instruments: sample()}
			_, err := NewResolver(p, 60, nil).Resolve(context.Background(), &tt.filter, asOf)
			assert.True(t, contracts.IsValidation(err), "got %v", err)
			assert.Zero(t, p.calls)
		})
	}
}

func TestResolve_EmptyIsValid(t *testing.T) {
	r := NewResolver(&fakeProvider{}, 60, nil)
	u, err := r.Resolve(context.Background(), &contracts.FilterSpec{Scope: contracts.ScopeAll}, asOf)
	require.NoError(t, err)
	assert.True(t, u.IsEmpty())
}

func TestResolve_ProviderError(t *testing.T) {
	boom := errors.New("upstream down")
	r := NewResolver(&fakeProvider{err: boom}, 60, nil)
	_, err := r.Resolve(context.Background(), &contracts.FilterSpec{Scope: contracts.ScopeAll}, asOf)
	assert.ErrorIs(t, err, boom)
}
