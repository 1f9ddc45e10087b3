package universe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/logger"
)

// Provider resolves a scope to instruments with their static attributes.
// For CUSTOM scope it returns attributes for the listed ids it knows.
type Provider interface {
	Resolve(ctx context.Context, filter *contracts.FilterSpec, asOf time.Time) ([]contracts.Instrument, error)
}

// Resolver turns a filter spec into the candidate universe
type Resolver struct {
	provider       Provider
	newListingDays int
	log            *logger.Logger
}

// NewResolver creates a resolver. newListingDays is the process default
// used when the filter has no threshold of its own.
func NewResolver(provider Provider, newListingDays int, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		provider:       provider,
		newListingDays: newListingDays,
		log:            log,
	}
}

// Resolve validates the filter, queries the provider and applies the
// secondary filters. The result is sorted by id and de-duplicated; an empty
// universe is not an error.
// ⭐ SSOT: FilterSpec → Universe
func (r *Resolver) Resolve(ctx context.Context, filter *contracts.FilterSpec, asOf time.Time) (*contracts.Universe, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	candidates, err := r.provider.Resolve(ctx, filter, asOf)
	if err != nil {
		return nil, fmt.Errorf("resolve %s scope: %w", filter.Scope, err)
	}

	if filter.Scope == contracts.ScopeCustom {
		candidates = customCandidates(filter.Instruments, candidates)
	}

	universe := &contracts.Universe{
		AsOf:        asOf,
		Instruments: make([]string, 0, len(candidates)),
		Attributes:  make(map[string]contracts.Instrument, len(candidates)),
		Excluded:    make(map[string]string),
	}

	threshold := filter.ListingThreshold(r.newListingDays)
	for _, inst := range candidates {
		if _, dup := universe.Attributes[inst.ID]; dup {
			continue
		}
		if _, dup := universe.Excluded[inst.ID]; dup {
			continue
		}

		if reason := checkExclusion(filter, inst, asOf, threshold); reason != "" {
			universe.Excluded[inst.ID] = reason
			continue
		}
		universe.Attributes[inst.ID] = inst
		universe.Instruments = append(universe.Instruments, inst.ID)
	}

	sort.Strings(universe.Instruments)

	r.log.WithFields(map[string]interface{}{
		"scope":      filter.Scope,
		"candidates": len(candidates),
		"eligible":   universe.Count(),
		"excluded":   len(universe.Excluded),
	}).Info("Universe resolved")

	return universe, nil
}

// customCandidates keeps the literal custom list. Ids the provider does not
// know are kept with bare attributes.
func customCandidates(ids []string, known []contracts.Instrument) []contracts.Instrument {
	byID := make(map[string]contracts.Instrument, len(known))
	for _, inst := range known {
		byID[inst.ID] = inst
	}

	out := make([]contracts.Instrument, 0, len(ids))
	for _, id := range ids {
		inst, ok := byID[id]
		if !ok {
			inst = contracts.Instrument{ID: id}
		}
		out = append(out, inst)
	}
	return out
}

// checkExclusion returns why an instrument is excluded, or "" when it passes
func checkExclusion(filter *contracts.FilterSpec, inst contracts.Instrument, asOf time.Time, listingDays int) string {
	// 우선순위 순서로 체크

	if filter.Scope == contracts.ScopeIndustry && !contains(filter.Industries, inst.Industry) {
		return fmt.Sprintf("industry %q not selected", inst.Industry)
	}

	if len(filter.Markets) > 0 && !contains(filter.Markets, inst.Market) {
		return fmt.Sprintf("market %q not selected", inst.Market)
	}

	if filter.ExcludeSuspended && inst.IsSuspended {
		return "suspended"
	}

	if filter.ExcludeST && inst.IsST {
		return "ST"
	}

	if filter.ExcludeNewListing {
		if days := inst.ListingDays(asOf); days < listingDays {
			return fmt.Sprintf("new listing (%d days)", days)
		}
	}

	if !filter.MarketCap.Contains(inst.MarketCap) {
		return fmt.Sprintf("market cap out of range (%.2f)", inst.MarketCap)
	}
	if !filter.Price.Contains(inst.Price) {
		return fmt.Sprintf("price out of range (%.2f)", inst.Price)
	}
	if !filter.Turnover.Contains(inst.Turnover) {
		return fmt.Sprintf("turnover out of range (%.2f)", inst.Turnover)
	}

	return "" // 통과
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
