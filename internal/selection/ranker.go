package selection

import (
	"math"
	"sort"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/logger"
)

// Factor is one factor's raw values aligned to Input.Rows
type Factor struct {
	ID     string
	Weight float64
	Raw    []float64
}

// Input is everything the ranker needs from the previous stages
type Input struct {
	Rows       []contracts.RowKey
	Factors    []Factor
	Attributes map[string]contracts.Instrument
}

// Result holds the global top-N and, when requested, the per-group top-N
type Result struct {
	Top      []contracts.RankedInstrument            `json:"top"`
	GroupTop map[string][]contracts.RankedInstrument `json:"group_top,omitempty"`
	Scored   int                                     `json:"scored"`
}

// Ranker standardizes, combines and ranks factor values
// ⭐ SSOT: 합성 점수 + 랭킹 로직은 여기서만
type Ranker struct {
	cfg    contracts.ScoringConfig
	logger *logger.Logger
}

// NewRanker creates a ranker; zero config fields take engine defaults
func NewRanker(cfg contracts.ScoringConfig, log *logger.Logger) *Ranker {
	if log == nil {
		log = logger.Nop()
	}
	return &Ranker{cfg: cfg.WithDefaults(), logger: log}
}

// Config returns the effective scoring configuration
func (r *Ranker) Config() contracts.ScoringConfig {
	return r.cfg
}

// Score standardizes every factor, combines them into a composite score and
// returns the scored rows in rank order. Rows with no valid factor are
// left out.
func (r *Ranker) Score(in Input) []contracts.RankedInstrument {
	n := len(in.Rows)
	groups := make([]string, n)
	for i, row := range in.Rows {
		groups[i] = GroupKey(row, r.cfg.GroupBy, in.Attributes)
	}

	std := make(map[string][]float64, len(in.Factors))
	for _, f := range in.Factors {
		std[f.ID] = Standardize(f.Raw, groups, r.cfg)
	}

	composite, contributions := Combine(std, in.Factors, n, r.cfg.Renormalize)

	ranked := make([]contracts.RankedInstrument, 0, n)
	for i, row := range in.Rows {
		if math.IsNaN(composite[i]) {
			continue
		}
		ranked = append(ranked, contracts.RankedInstrument{
			Instrument:    row.Instrument,
			Date:          row.Date,
			Group:         GroupKey(row, r.cfg.RankGroupBy, in.Attributes),
			Composite:     composite[i],
			Contributions: contributions[i],
		})
	}

	Sort(ranked)
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	if len(ranked) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"rows":      n,
			"scored":    len(ranked),
			"top_score": ranked[0].Composite,
			"top_code":  ranked[0].Instrument,
		}).Info("Ranking completed")
	}
	return ranked
}

// Select truncates ranked rows to the global top-N and, when GroupTopN is
// set, to an independent top-N within each ranking group
func (r *Ranker) Select(ranked []contracts.RankedInstrument) *Result {
	res := &Result{Scored: len(ranked)}

	top := r.cfg.TopN
	if top > len(ranked) {
		top = len(ranked)
	}
	res.Top = append([]contracts.RankedInstrument(nil), ranked[:top]...)

	if r.cfg.GroupTopN > 0 {
		res.GroupTop = make(map[string][]contracts.RankedInstrument)
		for _, row := range ranked {
			g := res.GroupTop[row.Group]
			if len(g) >= r.cfg.GroupTopN {
				continue
			}
			row.Rank = len(g) + 1
			res.GroupTop[row.Group] = append(g, row)
		}
	}
	return res
}

// Rank runs Score then Select
func (r *Ranker) Rank(in Input) *Result {
	return r.Select(r.Score(in))
}

// Combine computes composite = Σ weight × standardized over the factors
// present for each row. Missing factors are omitted; with renormalize the
// present weights are rescaled to sum to 1. Rows with no present factor
// get NaN.
func Combine(std map[string][]float64, factors []Factor, n int, renormalize bool) ([]float64, []map[string]float64) {
	composite := make([]float64, n)
	contributions := make([]map[string]float64, n)

	for i := 0; i < n; i++ {
		present := 0.0
		contrib := make(map[string]float64, len(factors))
		for _, f := range factors {
			v := std[f.ID][i]
			if math.IsNaN(v) {
				continue
			}
			contrib[f.ID] = f.Weight * v
			present += f.Weight
		}

		if len(contrib) == 0 {
			composite[i] = math.NaN()
			continue
		}
		if renormalize && present > 0 {
			for id, c := range contrib {
				contrib[id] = c / present
			}
		}

		sum := 0.0
		for _, f := range factors {
			sum += contrib[f.ID]
		}
		composite[i] = sum
		contributions[i] = contrib
	}
	return composite, contributions
}

// Sort orders by composite descending; ties by instrument then date ascending
func Sort(rows []contracts.RankedInstrument) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.Date.Before(b.Date)
	})
}

// GroupKey returns the grouping key of a row
func GroupKey(row contracts.RowKey, by string, attrs map[string]contracts.Instrument) string {
	switch by {
	case contracts.GroupDate:
		return row.Date.Format("2006-01-02")
	case contracts.GroupIndustry:
		return attrs[row.Instrument].Industry
	case contracts.GroupMarket:
		return attrs[row.Instrument].Market
	}
	return contracts.GroupNone
}
