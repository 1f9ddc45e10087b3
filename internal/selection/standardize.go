package selection

import (
	"math"
	"sort"

	"github.com/wonny/factorscreen/internal/contracts"
)

// Standardize maps raw values onto a comparable scale. groups[i] is the
// grouping key of row i; statistics are computed within each group.
// NaN marks a missing value: it is filled per cfg.FillMissing, and rows
// left missing (drop) stay NaN and are excluded from the group statistics.
// ⭐ SSOT: 표준화는 여기서만
func Standardize(raw []float64, groups []string, cfg contracts.ScoringConfig) []float64 {
	out := make([]float64, len(raw))
	for _, rows := range groupRows(groups, len(raw)) {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = raw[r]
		}
		std := standardizeGroup(vals, cfg)
		for i, r := range rows {
			out[r] = std[i]
		}
	}
	return out
}

func groupRows(groups []string, n int) map[string][]int {
	out := make(map[string][]int)
	for i := 0; i < n; i++ {
		key := contracts.GroupNone
		if groups != nil {
			key = groups[i]
		}
		out[key] = append(out[key], i)
	}
	return out
}

func standardizeGroup(vals []float64, cfg contracts.ScoringConfig) []float64 {
	vals = fill(vals, cfg.FillMissing)
	if w := cfg.Winsorize; w != nil {
		vals = winsorize(vals, w.Lower, w.Upper)
	}

	switch cfg.Method {
	case contracts.MethodRank:
		return rankScale(vals)
	case contracts.MethodSign:
		return mapValid(vals, sign)
	case contracts.MethodMinMax:
		lo, hi := bounds(valid(vals))
		span := guard(hi - lo)
		return mapValid(vals, func(x float64) float64 { return (x - lo) / span })
	case contracts.MethodRobust:
		v := valid(vals)
		med := median(v)
		dev := make([]float64, len(v))
		for i, x := range v {
			dev[i] = math.Abs(x - med)
		}
		mad := guard(median(dev))
		return mapValid(vals, func(x float64) float64 { return (x - med) / mad })
	default:
		v := valid(vals)
		m, sd := meanStd(v)
		sd = guard(sd)
		return mapValid(vals, func(x float64) float64 { return (x - m) / sd })
	}
}

// fill replaces missing values according to policy; drop leaves them NaN
func fill(vals []float64, policy contracts.FillPolicy) []float64 {
	out := append([]float64(nil), vals...)
	var with float64
	switch policy {
	case contracts.FillZero:
		with = 0
	case contracts.FillMedian:
		v := valid(vals)
		if len(v) == 0 {
			return out
		}
		with = median(v)
	default:
		return out
	}
	for i, x := range out {
		if math.IsNaN(x) {
			out[i] = with
		}
	}
	return out
}

// winsorize clips values to the [lower, upper] quantiles of the group
func winsorize(vals []float64, lower, upper float64) []float64 {
	v := valid(vals)
	if len(v) == 0 {
		return vals
	}
	sort.Float64s(v)
	lo, hi := quantile(v, lower), quantile(v, upper)
	return mapValid(vals, func(x float64) float64 {
		return math.Min(math.Max(x, lo), hi)
	})
}

// rankScale maps the average-tie rank of each value onto [-1, 1]
func rankScale(vals []float64) []float64 {
	idx := make([]int, 0, len(vals))
	for i, x := range vals {
		if !math.IsNaN(x) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	out := nanSlice(len(vals))
	n := len(idx)
	if n == 1 {
		out[idx[0]] = 0
		return out
	}
	for i := 0; i < n; {
		j := i
		for j+1 < n && vals[idx[j+1]] == vals[idx[i]] {
			j++
		}
		avg := float64(i+j) / 2 // zero-based average rank of the tie block
		for k := i; k <= j; k++ {
			out[idx[k]] = 2*avg/float64(n-1) - 1
		}
		i = j + 1
	}
	return out
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// guard replaces a zero (or undefined) scale with 1
func guard(s float64) float64 {
	if s == 0 || math.IsNaN(s) {
		return 1
	}
	return s
}

func mapValid(vals []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(vals))
	for i, x := range vals {
		if math.IsNaN(x) {
			out[i] = math.NaN()
			continue
		}
		out[i] = fn(x)
	}
	return out
}

func valid(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, x := range vals {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

// meanStd returns the mean and population standard deviation
func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return math.NaN(), math.NaN()
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	m := sum / float64(len(v))
	ss := 0.0
	for _, x := range v {
		ss += (x - m) * (x - m)
	}
	return m, math.Sqrt(ss / float64(len(v)))
}

func bounds(v []float64) (float64, float64) {
	if len(v) == 0 {
		return math.NaN(), math.NaN()
	}
	lo, hi := v[0], v[0]
	for _, x := range v[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return quantile(s, 0.5)
}

// quantile uses linear interpolation on sorted input
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
