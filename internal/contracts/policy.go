package contracts

import "fmt"

// RateLimitPolicy bounds external calls per window and in flight
type RateLimitPolicy struct {
	MaxPerMinute int `json:"max_calls_per_minute" yaml:"max_calls_per_minute"`
	MaxPerHour   int `json:"max_calls_per_hour" yaml:"max_calls_per_hour"`
	MaxPerDay    int `json:"max_calls_per_day" yaml:"max_calls_per_day"`
	Concurrent   int `json:"concurrent_limit" yaml:"concurrent_limit"`
}

// IsZero reports an unspecified policy
func (p RateLimitPolicy) IsZero() bool {
	return p == RateLimitPolicy{}
}

// Validate requires every limit to be positive
func (p RateLimitPolicy) Validate() error {
	if p.MaxPerMinute <= 0 || p.MaxPerHour <= 0 || p.MaxPerDay <= 0 {
		return ValidationError{"rate_limit_policy", fmt.Sprintf("window limits must be > 0: %+v", p)}
	}
	if p.Concurrent <= 0 {
		return ValidationError{"rate_limit_policy.concurrent_limit", "must be > 0"}
	}
	return nil
}

// CacheStrategy controls how the data fetcher uses the shared cache
type CacheStrategy string

const (
	CacheNone  CacheStrategy = "NO_CACHE"
	CacheFirst CacheStrategy = "CACHE_FIRST"
	APIFirst   CacheStrategy = "API_FIRST"
	SmartCache CacheStrategy = "SMART_CACHE"
)

// IsValid checks the strategy against the known set
func (s CacheStrategy) IsValid() bool {
	switch s {
	case CacheNone, CacheFirst, APIFirst, SmartCache:
		return true
	}
	return false
}
