package contracts

import "time"

// Instrument is a tradable entity with the static attributes the
// universe provider returns
type Instrument struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Industry    string    `json:"industry"`
	Market      string    `json:"market"`
	ListDate    time.Time `json:"list_date"`
	IsST        bool      `json:"is_st"`
	IsSuspended bool      `json:"is_suspended"`

	// Latest snapshot values used by the range filters
	MarketCap float64 `json:"market_cap"`
	Price     float64 `json:"price"`
	Turnover  float64 `json:"turnover"`
}

// ListingDays returns calendar days since listing as of asOf
func (i Instrument) ListingDays(asOf time.Time) int {
	if i.ListDate.IsZero() {
		return int(^uint(0) >> 1)
	}
	return int(asOf.Sub(i.ListDate).Hours() / 24)
}

// Universe is the resolved candidate list passed to the fetch stage
// ⭐ SSOT: Resolver → Fetcher 종목 전달
type Universe struct {
	AsOf        time.Time             `json:"as_of"`
	Instruments []string              `json:"instruments"`
	Attributes  map[string]Instrument `json:"-"`
	Excluded    map[string]string     `json:"excluded"` // 제외 종목: 사유
}

// Count returns the number of eligible instruments
func (u *Universe) Count() int {
	return len(u.Instruments)
}

// IsEmpty reports whether nothing survived the filters
func (u *Universe) IsEmpty() bool {
	return len(u.Instruments) == 0
}
