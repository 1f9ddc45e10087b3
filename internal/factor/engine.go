package factor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/logger"
	"github.com/wonny/factorscreen/pkg/metrics"
)

// Evaluation holds raw factor values aligned to the query rows
type Evaluation struct {
	Rows   []contracts.RowKey
	Values map[string][]float64 // factor id → one value per row, NaN = missing
	Failed map[string]error     // factor id → FormulaExecutionError
}

// Succeeded returns the ids of factors that produced values
func (e *Evaluation) Succeeded() []string {
	ids := make([]string, 0, len(e.Values))
	for id := range e.Values {
		ids = append(ids, id)
	}
	return ids
}

// Request scopes one evaluation
type Request struct {
	Factors []contracts.FactorDescriptor
	Data    *contracts.Table
	Start   time.Time
	End     time.Time

	Cancelled func() bool
	Progress  func(done, total int)
	Log       *logger.Logger
}

// Engine runs factor computations in isolation from one another
// ⭐ SSOT: 팩터 실행은 여기서만
type Engine struct {
	log *logger.Logger
}

// NewEngine creates an engine
func NewEngine(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{log: log}
}

// Evaluate runs every enabled factor over the full data table (lookback
// rows included) and keeps the rows inside [Start, End]. A failing factor
// is recorded and skipped; if every enabled factor fails the evaluation
// returns an error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	log := req.Log
	if log == nil {
		log = e.log
	}

	data := req.Data
	if data == nil {
		data = contracts.NewTable()
	}
	query := queryRows(data, req.Start, req.End)

	eval := &Evaluation{
		Rows:   make([]contracts.RowKey, len(query)),
		Values: make(map[string][]float64),
		Failed: make(map[string]error),
	}
	for i, r := range query {
		eval.Rows[i] = data.Keys[r]
	}

	enabled := 0
	for _, f := range req.Factors {
		if f.Enabled {
			enabled++
		}
	}

	done := 0
	for _, f := range req.Factors {
		if !f.Enabled {
			continue
		}
		if req.Cancelled != nil && req.Cancelled() {
			return nil, contracts.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		values, err := run(ctx, f, data)
		if err != nil {
			eval.Failed[f.ID] = err
			metrics.FactorFailures.WithLabelValues(f.ID).Inc()
			log.WithError(err).WithField("factor", f.ID).Warn("Factor computation failed")
		} else {
			selected := make([]float64, len(query))
			for i, r := range query {
				selected[i] = values[r]
				if math.IsInf(selected[i], 0) {
					selected[i] = math.NaN()
				}
			}
			eval.Values[f.ID] = selected
			log.WithFields(map[string]interface{}{
				"factor":   f.ID,
				"rows":     len(selected),
				"duration": time.Since(start),
			}).Debug("Factor computed")
		}

		done++
		if req.Progress != nil {
			req.Progress(done, enabled)
		}
	}

	if enabled > 0 && len(eval.Values) == 0 {
		errs := make([]error, 0, len(eval.Failed))
		for _, err := range eval.Failed {
			errs = append(errs, err)
		}
		return nil, fmt.Errorf("all %d enabled factors failed: %w", enabled, errors.Join(errs...))
	}

	return eval, nil
}

// run invokes one computation, converting panics and misaligned output
// into a FormulaExecutionError
func run(ctx context.Context, f contracts.FactorDescriptor, data *contracts.Table) (values []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			values = nil
			err = &contracts.FormulaExecutionError{FactorID: f.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if f.Computation == nil {
		return nil, &contracts.FormulaExecutionError{FactorID: f.ID, Err: errors.New("no computation bound")}
	}

	values, err = f.Computation.Compute(ctx, data)
	if err != nil {
		return nil, &contracts.FormulaExecutionError{FactorID: f.ID, Err: err}
	}
	if len(values) != data.Len() {
		return nil, &contracts.FormulaExecutionError{
			FactorID: f.ID,
			Err:      fmt.Errorf("returned %d values for %d rows", len(values), data.Len()),
		}
	}
	return values, nil
}

// queryRows returns the indices of rows dated within [start, end].
// Zero bounds are open.
func queryRows(t *contracts.Table, start, end time.Time) []int {
	from, to := contracts.Day(start), contracts.Day(end)
	rows := make([]int, 0, t.Len())
	for i, k := range t.Keys {
		if !start.IsZero() && k.Date.Before(from) {
			continue
		}
		if !end.IsZero() && k.Date.After(to) {
			continue
		}
		rows = append(rows, i)
	}
	return rows
}
