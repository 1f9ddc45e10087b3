package factor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/wonny/factorscreen/internal/contracts"
)

// Kind builds a computation from a descriptor's field and params
type Kind struct {
	// Build returns the computation for the descriptor
	Build func(f contracts.FactorDescriptor) (contracts.Computation, error)
	// Body renders the formula text the requirement analyzer scans
	Body func(f contracts.FactorDescriptor) string
	// Lookback returns the trading days of history needed before the
	// query range
	Lookback func(f contracts.FactorDescriptor) int
}

// Library maps kind names to computations
// ⭐ SSOT: 팩터 계산식 등록은 여기서만
type Library struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewLibrary creates a library with the built-in kinds
func NewLibrary() *Library {
	l := &Library{kinds: make(map[string]Kind)}
	l.Register("field", Kind{Build: buildField, Body: fieldBody("field")})
	l.Register("inverse", Kind{Build: buildInverse, Body: fieldBody("inverse")})
	l.Register("momentum", Kind{Build: buildMomentum, Body: windowBody("momentum"), Lookback: window})
	l.Register("rolling_mean", Kind{Build: buildRollingMean, Body: windowBody("rolling_mean"), Lookback: window})
	l.Register("volatility", Kind{Build: buildVolatility, Body: windowBody("volatility"), Lookback: window})
	return l
}

// Register adds or replaces a kind
func (l *Library) Register(name string, k Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds[name] = k
}

// RegisterFunc adds a kind backed by a plain function
func (l *Library) RegisterFunc(name string, fn contracts.ComputationFunc) {
	l.Register(name, Kind{
		Build: func(contracts.FactorDescriptor) (contracts.Computation, error) { return fn, nil },
	})
}

// Kinds returns the registered kind names
func (l *Library) Kinds() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.kinds))
	for name := range l.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind attaches the computation for f.Kind. Body and LookbackDays are
// filled from the kind when the descriptor leaves them empty. Descriptors
// that already carry a computation are left untouched.
func (l *Library) Bind(f *contracts.FactorDescriptor) error {
	if f.Computation != nil {
		return nil
	}
	if f.Kind == "" {
		return contracts.ValidationError{Field: "factor." + f.ID + ".kind", Message: "required"}
	}

	l.mu.RLock()
	k, ok := l.kinds[f.Kind]
	l.mu.RUnlock()
	if !ok {
		return contracts.ValidationError{Field: "factor." + f.ID + ".kind", Message: fmt.Sprintf("unknown kind %q", f.Kind)}
	}

	comp, err := k.Build(*f)
	if err != nil {
		return contracts.ValidationError{Field: "factor." + f.ID, Message: err.Error()}
	}
	f.Computation = comp
	if f.Body == "" && k.Body != nil {
		f.Body = k.Body(*f)
	}
	if f.LookbackDays == 0 && k.Lookback != nil {
		f.LookbackDays = k.Lookback(*f)
	}
	return nil
}

// BindStrategy binds every factor of s
func (l *Library) BindStrategy(s *contracts.Strategy) error {
	for i := range s.Factors {
		if err := l.Bind(&s.Factors[i]); err != nil {
			return err
		}
	}
	return nil
}

// built-in kinds

func window(f contracts.FactorDescriptor) int {
	if w, ok := f.Params["window"]; ok && w >= 1 {
		return int(w)
	}
	return 20
}

func fieldBody(kind string) func(contracts.FactorDescriptor) string {
	return func(f contracts.FactorDescriptor) string {
		return fmt.Sprintf("%s(%s)", kind, f.Field)
	}
}

func windowBody(kind string) func(contracts.FactorDescriptor) string {
	return func(f contracts.FactorDescriptor) string {
		return fmt.Sprintf("%s(%s, %d)", kind, f.Field, window(f))
	}
}

func requireField(f contracts.FactorDescriptor) error {
	if f.Field == "" {
		return fmt.Errorf("%s requires a source field", f.Kind)
	}
	return nil
}

func column(t *contracts.Table, name string) ([]float64, error) {
	col := t.Column(name)
	if col == nil && !t.HasColumn(name) {
		return nil, fmt.Errorf("column %q not in data table", name)
	}
	return col, nil
}

func buildField(f contracts.FactorDescriptor) (contracts.Computation, error) {
	if err := requireField(f); err != nil {
		return nil, err
	}
	return contracts.ComputationFunc(func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		col, err := column(t, f.Field)
		if err != nil {
			return nil, err
		}
		out := make([]float64, t.Len())
		copy(out, col)
		return out, nil
	}), nil
}

func buildInverse(f contracts.FactorDescriptor) (contracts.Computation, error) {
	if err := requireField(f); err != nil {
		return nil, err
	}
	return contracts.ComputationFunc(func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		col, err := column(t, f.Field)
		if err != nil {
			return nil, err
		}
		out := make([]float64, t.Len())
		for i, v := range col {
			if v == 0 || math.IsNaN(v) {
				out[i] = math.NaN()
				continue
			}
			out[i] = 1 / v
		}
		return out, nil
	}), nil
}

// perInstrument applies fn to each instrument's date-ordered series and
// writes the results back at the original row positions
func perInstrument(t *contracts.Table, src []float64, fn func(series []float64) []float64) []float64 {
	out := make([]float64, t.Len())
	for _, rows := range t.InstrumentRows() {
		sort.Slice(rows, func(a, b int) bool { return t.Keys[rows[a]].Date.Before(t.Keys[rows[b]].Date) })
		series := make([]float64, len(rows))
		for i, r := range rows {
			series[i] = src[r]
		}
		res := fn(series)
		for i, r := range rows {
			out[r] = res[i]
		}
	}
	return out
}

func buildMomentum(f contracts.FactorDescriptor) (contracts.Computation, error) {
	if err := requireField(f); err != nil {
		return nil, err
	}
	w := window(f)
	return contracts.ComputationFunc(func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		col, err := column(t, f.Field)
		if err != nil {
			return nil, err
		}
		return perInstrument(t, col, func(s []float64) []float64 {
			out := make([]float64, len(s))
			for i := range s {
				out[i] = math.NaN()
				if i >= w && s[i-w] != 0 {
					out[i] = s[i]/s[i-w] - 1
				}
			}
			return out
		}), nil
	}), nil
}

func buildRollingMean(f contracts.FactorDescriptor) (contracts.Computation, error) {
	if err := requireField(f); err != nil {
		return nil, err
	}
	w := window(f)
	return contracts.ComputationFunc(func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		col, err := column(t, f.Field)
		if err != nil {
			return nil, err
		}
		return perInstrument(t, col, func(s []float64) []float64 {
			out := make([]float64, len(s))
			for i := range s {
				out[i] = math.NaN()
				if i+1 >= w {
					out[i] = mean(s[i+1-w : i+1])
				}
			}
			return out
		}), nil
	}), nil
}

func buildVolatility(f contracts.FactorDescriptor) (contracts.Computation, error) {
	if err := requireField(f); err != nil {
		return nil, err
	}
	w := window(f)
	if w < 2 {
		return nil, fmt.Errorf("volatility window must be >= 2")
	}
	return contracts.ComputationFunc(func(ctx context.Context, t *contracts.Table) ([]float64, error) {
		col, err := column(t, f.Field)
		if err != nil {
			return nil, err
		}
		return perInstrument(t, col, func(s []float64) []float64 {
			rets := make([]float64, len(s))
			for i := range s {
				rets[i] = math.NaN()
				if i > 0 && s[i-1] != 0 {
					rets[i] = s[i]/s[i-1] - 1
				}
			}
			out := make([]float64, len(s))
			for i := range s {
				out[i] = math.NaN()
				if i >= w {
					out[i] = stddev(rets[i+1-w : i+1])
				}
			}
			return out
		}), nil
	}), nil
}

// mean and stddev propagate NaN so incomplete windows stay missing
func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
