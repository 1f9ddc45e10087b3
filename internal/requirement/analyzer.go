package requirement

import (
	"regexp"
	"sort"

	"github.com/wonny/factorscreen/internal/contracts"
)

var identifier = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*`)

// ignored are language keywords, table handles and common series methods.
// They are never external fields and never warned about.
var ignored = map[string]bool{
	"df": true, "data": true, "x": true, "s": true, "np": true, "pd": true, "math": true,
	"lambda": true, "return": true, "if": true, "else": true, "and": true, "or": true,
	"not": true, "in": true, "for": true, "def": true, "None": true, "True": true,
	"False": true, "nan": true, "inf": true,
	"rolling": true, "mean": true, "std": true, "var": true, "sum": true, "min": true,
	"max": true, "median": true, "shift": true, "diff": true, "pct_change": true,
	"abs": true, "log": true, "sqrt": true, "exp": true, "rank": true, "fillna": true,
	"groupby": true, "apply": true, "transform": true, "clip": true, "where": true,
	"window": true, "ts_code": true, "trade_date": true,
	// library computation names
	"field": true, "inverse": true, "momentum": true, "rolling_mean": true, "volatility": true,
}

// Warning records a token the vocabulary does not know
type Warning struct {
	FactorID string `json:"factor_id"`
	Token    string `json:"token"`
}

// Analysis is the union of external data needed by a strategy
type Analysis struct {
	Requirement contracts.DataRequirement            `json:"requirement"`
	PerFactor   map[string]contracts.DataRequirement `json:"per_factor"`
	Warnings    []Warning                            `json:"warnings,omitempty"`
}

// Analyzer infers data requirements from factor text. It never executes
// factor code.
// ⭐ SSOT: 팩터 → 필요 데이터 추론은 여기서만
type Analyzer struct {
	vocab *Vocabulary
}

// NewAnalyzer creates an analyzer; nil uses DefaultVocabulary
func NewAnalyzer(vocab *Vocabulary) *Analyzer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Analyzer{vocab: vocab}
}

// Vocabulary returns the catalog in use
func (a *Analyzer) Vocabulary() *Vocabulary {
	return a.vocab
}

// Analyze unions the requirements of every enabled factor
func (a *Analyzer) Analyze(factors []contracts.FactorDescriptor) Analysis {
	out := Analysis{
		Requirement: contracts.DataRequirement{},
		PerFactor:   make(map[string]contracts.DataRequirement),
	}

	for _, f := range factors {
		if !f.Enabled {
			continue
		}
		req, unknown := a.Factor(f)
		out.PerFactor[f.ID] = req
		for iface, fields := range req {
			for _, field := range fields {
				out.Requirement.Add(iface, field)
			}
		}
		for _, tok := range unknown {
			out.Warnings = append(out.Warnings, Warning{FactorID: f.ID, Token: tok})
		}
	}
	return out
}

// Factor returns one factor's requirement and its unrecognized tokens.
// Declared fields and the factor's source field are included alongside
// tokens found in the body text.
func (a *Analyzer) Factor(f contracts.FactorDescriptor) (contracts.DataRequirement, []string) {
	req := contracts.DataRequirement{}
	unknown := make(map[string]bool)

	tokens := identifier.FindAllString(f.Body, -1)
	tokens = append(tokens, f.RequiredFields...)
	if f.Field != "" {
		tokens = append(tokens, f.Field)
	}

	for _, tok := range tokens {
		if ignored[tok] {
			continue
		}
		if iface, ok := a.vocab.Lookup(tok); ok {
			req.Add(iface, tok)
			continue
		}
		unknown[tok] = true
	}

	list := make([]string, 0, len(unknown))
	for tok := range unknown {
		list = append(list, tok)
	}
	sort.Strings(list)
	return req, list
}
