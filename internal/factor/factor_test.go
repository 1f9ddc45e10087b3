package factor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/internal/contracts"
)

var d0 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

// series builds a table with one close price per day for each instrument
func series(prices map[string][]float64) *contracts.Table {
	t := contracts.NewTable("close")
	for id, ps := range prices {
		for i, p := range ps {
			t.AppendRow(contracts.RowKey{Instrument: id, Date: d0.AddDate(0, 0, i)}, map[string]float64{"close": p})
		}
	}
	t.Sort()
	return t
}

func bound(t *testing.T, lib *Library, f contracts.FactorDescriptor) contracts.FactorDescriptor {
	t.Helper()
	f.Enabled = true
	require.NoError(t, lib.Bind(&f))
	return f
}

func TestLibrary_BuiltIns(t *testing.T) {
	lib := NewLibrary()
	data := series(map[string][]float64{"A": {10, 11, 12, 15}, "B": {4, 4, 2, 0}})
	ctx := context.Background()

	tests := []struct {
		name   string
		factor contracts.FactorDescriptor
		want   []float64 // A rows then B rows
	}{
		{"field", contracts.FactorDescriptor{ID: "f", Kind: "field", Field: "close"},
			[]float64{10, 11, 12, 15, 4, 4, 2, 0}},
		{"inverse guards zero", contracts.FactorDescriptor{ID: "i", Kind: "inverse", Field: "close"},
			[]float64{0.1, 1.0 / 11, 1.0 / 12, 1.0 / 15, 0.25, 0.25, 0.5, math.NaN()}},
		{"momentum", contracts.FactorDescriptor{ID: "m", Kind: "momentum", Field: "close", Params: map[string]float64{"window": 2}},
			[]float64{math.NaN(), math.NaN(), 0.2, 15.0/11 - 1, math.NaN(), math.NaN(), -0.5, -1}},
		{"rolling mean", contracts.FactorDescriptor{ID: "r", Kind: "rolling_mean", Field: "close", Params: map[string]float64{"window": 3}},
			[]float64{math.NaN(), math.NaN(), 11, 38.0 / 3, math.NaN(), math.NaN(), 10.0 / 3, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := bound(t, lib, tt.factor)
			got, err := f.Computation.Compute(ctx, data)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				if math.IsNaN(tt.want[i]) {
					assert.True(t, math.IsNaN(got[i]), "row %d: want NaN, got %v", i, got[i])
				} else {
					assert.InDelta(t, tt.want[i], got[i], 1e-9, "row %d", i)
				}
			}
		})
	}
}

func TestLibrary_VolatilityAndMetadata(t *testing.T) {
	lib := NewLibrary()
	f := bound(t, lib, contracts.FactorDescriptor{ID: "v", Kind: "volatility", Field: "close", Params: map[string]float64{"window": 2}})

	assert.Equal(t, "volatility(close, 2)", f.Body)
	assert.Equal(t, 2, f.LookbackDays)

	data := series(map[string][]float64{"A": {100, 110, 99}})
	got, err := f.Computation.Compute(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got[0]))
	assert.True(t, math.IsNaN(got[1]))
	// returns 0.1 and -0.1 → sample std = sqrt(0.02)
	assert.InDelta(t, math.Sqrt(0.02), got[2], 1e-9)
}

func TestLibrary_BindErrors(t *testing.T) {
	lib := NewLibrary()

	err := lib.Bind(&contracts.FactorDescriptor{ID: "x", Kind: "alpha"})
	assert.True(t, contracts.IsValidation(err))

	err = lib.Bind(&contracts.FactorDescriptor{ID: "x", Kind: "momentum"})
	assert.True(t, contracts.IsValidation(err), "momentum needs a field")

	err = lib.Bind(&contracts.FactorDescriptor{ID: "x"})
	assert.True(t, contracts.IsValidation(err))

	lib.RegisterFunc("constant", func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		return make([]float64, t.Len()), nil
	})
	f := contracts.FactorDescriptor{ID: "c", Kind: "constant"}
	require.NoError(t, lib.Bind(&f))
	assert.NotNil(t, f.Computation)
	assert.Contains(t, lib.Kinds(), "constant")
}

func TestEngine_IsolatesFailures(t *testing.T) {
	lib := NewLibrary()
	data := series(map[string][]float64{"A": {10, 11}, "B": {20, 22}})

	panicky := contracts.FactorDescriptor{ID: "boom", Enabled: true, Computation: contracts.ComputationFunc(
		func(ctx context.Context, t *contracts.Table) ([]float64, error) {
			var m map[string]int
			m["x"] = 1
			return nil, nil
		})}
	short := contracts.FactorDescriptor{ID: "short", Enabled: true, Computation: contracts.ComputationFunc(
		func(ctx context.Context, t *contracts.Table) ([]float64, error) {
			return []float64{1}, nil
		})}
	missing := bound(t, lib, contracts.FactorDescriptor{ID: "pb", Kind: "field", Field: "pb"})
	good := bound(t, lib, contracts.FactorDescriptor{ID: "mom", Kind: "momentum", Field: "close", Params: map[string]float64{"window": 1}})
	disabled := contracts.FactorDescriptor{ID: "off", Enabled: false}

	var progress []int
	eval, err := NewEngine(nil).Evaluate(context.Background(), Request{
		Factors:  []contracts.FactorDescriptor{panicky, short, missing, good, disabled},
		Data:     data,
		Start:    d0.AddDate(0, 0, 1),
		End:      d0.AddDate(0, 0, 1),
		Progress: func(done, total int) { progress = append(progress, done); assert.Equal(t, 4, total) },
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, progress)
	assert.Len(t, eval.Failed, 3)
	for _, id := range []string{"boom", "short", "pb"} {
		var fe *contracts.FormulaExecutionError
		require.True(t, errors.As(eval.Failed[id], &fe), id)
		assert.Equal(t, id, fe.FactorID)
	}

	// Only the last day is queried; lookback rows feed the momentum window.
	require.Len(t, eval.Rows, 2)
	assert.Equal(t, "A", eval.Rows[0].Instrument)
	assert.InDeltaSlice(t, []float64{0.1, 0.1}, eval.Values["mom"], 1e-9)
	assert.Equal(t, []string{"mom"}, eval.Succeeded())
}

func TestEngine_AllFactorsFail(t *testing.T) {
	failing := contracts.FactorDescriptor{ID: "bad", Enabled: true, Computation: contracts.ComputationFunc(
		func(ctx context.Context, t *contracts.Table) ([]float64, error) {
			return nil, errors.New("division by zero")
		})}

	_, err := NewEngine(nil).Evaluate(context.Background(), Request{
		Factors: []contracts.FactorDescriptor{failing},
		Data:    series(map[string][]float64{"A": {1}}),
	})
	require.Error(t, err)
	var fe *contracts.FormulaExecutionError
	assert.True(t, errors.As(err, &fe))
}

func TestEngine_Cancelled(t *testing.T) {
	lib := NewLibrary()
	f := bound(t, lib, contracts.FactorDescriptor{ID: "f", Kind: "field", Field: "close"})

	_, err := NewEngine(nil).Evaluate(context.Background(), Request{
		Factors:   []contracts.FactorDescriptor{f},
		Data:      series(map[string][]float64{"A": {1}}),
		Cancelled: func() bool { return true },
	})
	assert.ErrorIs(t, err, contracts.ErrCancelled)
}
