package contracts

import "time"

// RankedInstrument is one row of the final ranking
// ⭐ SSOT: 최종 랭킹 결과
type RankedInstrument struct {
	Instrument    string             `json:"instrument"`
	Date          time.Time          `json:"date"`
	Group         string             `json:"group,omitempty"`
	Composite     float64            `json:"composite"`
	Contributions map[string]float64 `json:"contributions"` // factor id → weight × standardized
	Rank          int                `json:"rank"`           // 1-based
}

// IsTopRanked checks if the row is within the top n ranks
func (r *RankedInstrument) IsTopRanked(n int) bool {
	return r.Rank <= n && r.Rank > 0
}
