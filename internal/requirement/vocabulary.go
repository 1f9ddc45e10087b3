package requirement

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// InterfaceFields lists the fields one external interface serves
type InterfaceFields struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// Vocabulary is the static interface → field catalog, in priority order.
// When two interfaces serve the same field the earlier one wins.
type Vocabulary struct {
	Interfaces []InterfaceFields `yaml:"interfaces"`

	once  sync.Once
	index map[string]string
}

// DefaultVocabulary is the built-in Tushare Pro catalog
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{Interfaces: []InterfaceFields{
		{Name: "daily", Fields: []string{
			"open", "high", "low", "close", "pre_close", "change", "pct_chg", "vol", "amount",
		}},
		{Name: "daily_basic", Fields: []string{
			"turnover_rate", "turnover_rate_f", "volume_ratio", "pe", "pe_ttm", "pb", "ps", "ps_ttm",
			"dv_ratio", "dv_ttm", "total_share", "float_share", "free_share", "total_mv", "circ_mv",
		}},
		{Name: "fina_indicator", Fields: []string{
			"eps", "bps", "roe", "roe_dt", "roa", "grossprofit_margin", "netprofit_margin",
			"debt_to_assets", "current_ratio", "quick_ratio", "or_yoy", "netprofit_yoy", "ocfps",
		}},
		{Name: "moneyflow", Fields: []string{
			"buy_sm_amount", "sell_sm_amount", "buy_md_amount", "sell_md_amount",
			"buy_lg_amount", "sell_lg_amount", "buy_elg_amount", "sell_elg_amount", "net_mf_amount",
		}},
	}}
	v.build()
	return v
}

// LoadVocabulary reads a YAML catalog. Unknown keys are rejected.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var v Vocabulary
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	v.build()
	return &v, nil
}

func (v *Vocabulary) validate() error {
	if len(v.Interfaces) == 0 {
		return fmt.Errorf("vocabulary: no interfaces defined")
	}
	seen := make(map[string]bool)
	for i, iface := range v.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("vocabulary: interfaces[%d].name is required", i)
		}
		if seen[iface.Name] {
			return fmt.Errorf("vocabulary: duplicate interface %q", iface.Name)
		}
		seen[iface.Name] = true
		if len(iface.Fields) == 0 {
			return fmt.Errorf("vocabulary: interface %q has no fields", iface.Name)
		}
	}
	return nil
}

// build indexes the catalog once; Interfaces must not change afterwards
func (v *Vocabulary) build() {
	v.once.Do(func() {
		index := make(map[string]string)
		for _, iface := range v.Interfaces {
			for _, f := range iface.Fields {
				if _, taken := index[f]; !taken {
					index[f] = iface.Name
				}
			}
		}
		v.index = index
	})
}

// Lookup returns the interface serving field. Safe for concurrent use.
func (v *Vocabulary) Lookup(field string) (string, bool) {
	v.build()
	iface, ok := v.index[field]
	return iface, ok
}
