package contracts

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Day normalizes a timestamp to midnight UTC of its calendar date
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RowKey identifies one (instrument, date) row
type RowKey struct {
	Instrument string    `json:"instrument"`
	Date       time.Time `json:"date"`
}

// Less orders keys by instrument then date
func (k RowKey) Less(o RowKey) bool {
	if k.Instrument != o.Instrument {
		return k.Instrument < o.Instrument
	}
	return k.Date.Before(o.Date)
}

// Table is a columnar (instrument, date) × field data table.
// Missing values are NaN. Tables handed to factor computations and stored
// in the shared cache must be treated as read-only.
type Table struct {
	Keys    []RowKey
	Columns map[string][]float64
}

// NewTable creates an empty table with the given columns
func NewTable(fields ...string) *Table {
	t := &Table{Columns: make(map[string][]float64, len(fields))}
	for _, f := range fields {
		t.Columns[f] = nil
	}
	return t
}

// Len returns the row count
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Keys)
}

// AppendRow adds a row; absent fields become NaN, unknown fields add a column
func (t *Table) AppendRow(key RowKey, values map[string]float64) {
	key.Date = Day(key.Date)
	n := len(t.Keys)
	for name := range values {
		if _, ok := t.Columns[name]; !ok {
			t.Columns[name] = nanSlice(n)
		}
	}
	t.Keys = append(t.Keys, key)
	for name, col := range t.Columns {
		v, ok := values[name]
		if !ok {
			v = math.NaN()
		}
		t.Columns[name] = append(col, v)
	}
}

// Column returns the named column or nil
func (t *Table) Column(name string) []float64 {
	return t.Columns[name]
}

// HasColumn reports whether the column exists
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Columns[name]
	return ok
}

// ColumnNames returns column names sorted
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sort orders rows by instrument then date, in place
func (t *Table) Sort() {
	idx := make([]int, len(t.Keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return t.Keys[idx[a]].Less(t.Keys[idx[b]]) })

	keys := make([]RowKey, len(t.Keys))
	for i, j := range idx {
		keys[i] = t.Keys[j]
	}
	t.Keys = keys
	for name, col := range t.Columns {
		sorted := make([]float64, len(col))
		for i, j := range idx {
			sorted[i] = col[j]
		}
		t.Columns[name] = sorted
	}
}

// InstrumentRows returns each instrument's row indices in table order.
// On a sorted table that is ascending date order.
func (t *Table) InstrumentRows() map[string][]int {
	rows := make(map[string][]int)
	for i, k := range t.Keys {
		rows[k.Instrument] = append(rows[k.Instrument], i)
	}
	return rows
}

// Select returns a new table containing the given rows
func (t *Table) Select(rows []int) *Table {
	out := &Table{
		Keys:    make([]RowKey, len(rows)),
		Columns: make(map[string][]float64, len(t.Columns)),
	}
	for i, r := range rows {
		out.Keys[i] = t.Keys[r]
	}
	for name, col := range t.Columns {
		c := make([]float64, len(rows))
		for i, r := range rows {
			c[i] = col[r]
		}
		out.Columns[name] = c
	}
	return out
}

// MergeTables outer-joins tables on (instrument, date). When two tables
// carry the same column, the first non-NaN value wins. The result is sorted.
func MergeTables(tables ...*Table) *Table {
	out := NewTable()
	index := make(map[RowKey]int)

	for _, t := range tables {
		if t == nil {
			continue
		}
		for name := range t.Columns {
			if _, ok := out.Columns[name]; !ok {
				out.Columns[name] = nanSlice(len(out.Keys))
			}
		}
		for r, key := range t.Keys {
			key.Date = Day(key.Date)
			pos, ok := index[key]
			if !ok {
				pos = len(out.Keys)
				index[key] = pos
				out.Keys = append(out.Keys, key)
				for name, col := range out.Columns {
					out.Columns[name] = append(col, math.NaN())
				}
			}
			for name, col := range t.Columns {
				if math.IsNaN(out.Columns[name][pos]) {
					out.Columns[name][pos] = col[r]
				}
			}
		}
	}

	out.Sort()
	return out
}

// AsOfJoin attaches point-in-time columns from events onto the rows of
// base. For each base row and event column, the latest non-NaN value of
// the same instrument dated on or before the row is taken; cells base
// already holds are kept. The result has exactly the rows of base.
func AsOfJoin(base, events *Table) *Table {
	all := make([]int, base.Len())
	for i := range all {
		all[i] = i
	}
	out := base.Select(all)
	if events.Len() == 0 {
		return out
	}

	byInstrument := events.InstrumentRows()
	for name, col := range events.Columns {
		dst, ok := out.Columns[name]
		if !ok {
			dst = nanSlice(out.Len())
			out.Columns[name] = dst
		}
		for i, key := range out.Keys {
			if !math.IsNaN(dst[i]) {
				continue
			}
			rows := byInstrument[key.Instrument]
			j := sort.Search(len(rows), func(k int) bool {
				return events.Keys[rows[k]].Date.After(key.Date)
			}) - 1
			for ; j >= 0; j-- {
				if v := col[rows[j]]; !math.IsNaN(v) {
					dst[i] = v
					break
				}
			}
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// tableJSON is the wire form; NaN is encoded as null
type tableJSON struct {
	Keys    []RowKey              `json:"keys"`
	Columns map[string][]*float64 `json:"columns"`
}

// MarshalJSON encodes NaN cells as null
func (t *Table) MarshalJSON() ([]byte, error) {
	w := tableJSON{Keys: t.Keys, Columns: make(map[string][]*float64, len(t.Columns))}
	for name, col := range t.Columns {
		out := make([]*float64, len(col))
		for i := range col {
			if !math.IsNaN(col[i]) {
				v := col[i]
				out[i] = &v
			}
		}
		w.Columns[name] = out
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes null cells back to NaN
func (t *Table) UnmarshalJSON(data []byte) error {
	var w tableJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Keys = w.Keys
	t.Columns = make(map[string][]float64, len(w.Columns))
	for name, col := range w.Columns {
		out := make([]float64, len(col))
		for i, v := range col {
			if v == nil {
				out[i] = math.NaN()
			} else {
				out[i] = *v
			}
		}
		t.Columns[name] = out
	}
	return nil
}
