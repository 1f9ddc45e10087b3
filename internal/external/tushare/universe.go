package tushare

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
)

var (
	basicFields    = []string{"ts_code", "name", "industry", "market", "list_date"}
	snapshotFields = []string{"ts_code", "close", "turnover_rate", "total_mv"}
)

// IsST reports a special-treatment name: ST, *ST, SST, S*ST
func IsST(name string) bool {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "*")
	return strings.HasPrefix(n, "ST") || strings.HasPrefix(n, "SST") || strings.HasPrefix(n, "S*ST")
}

// Resolve implements universe.Provider. It lists listed stocks with their
// static attributes, narrowed to the INDEX or CONCEPT members when the
// scope asks for it, and decorated with the asOf snapshot.
func (c *Client) Resolve(ctx context.Context, filter *contracts.FilterSpec, asOf time.Time) ([]contracts.Instrument, error) {
	basic, err := c.limitedQuery(ctx, "stock_basic", map[string]interface{}{"list_status": "L"}, basicFields)
	if err != nil {
		return nil, err
	}

	var members map[string]bool
	switch filter.Scope {
	case contracts.ScopeIndex:
		if members, err = c.indexMembers(ctx, filter.Indexes, asOf); err != nil {
			return nil, err
		}
	case contracts.ScopeConcept:
		if members, err = c.conceptMembers(ctx, filter.Concepts); err != nil {
			return nil, err
		}
	}

	snapshot, err := c.snapshot(ctx, asOf)
	if err != nil {
		return nil, err
	}
	suspended, err := c.suspended(ctx, asOf)
	if err != nil {
		return nil, err
	}

	out := make([]contracts.Instrument, 0, basic.Len())
	for i := 0; i < basic.Len(); i++ {
		id := basic.String(i, "ts_code")
		if id == "" {
			continue
		}
		if members != nil && !members[id] {
			continue
		}

		inst := contracts.Instrument{
			ID:          id,
			Name:        basic.String(i, "name"),
			Industry:    basic.String(i, "industry"),
			Market:      basic.String(i, "market"),
			ListDate:    basic.Date(i, "list_date"),
			IsST:        IsST(basic.String(i, "name")),
			IsSuspended: suspended[id],
		}
		if snap, ok := snapshot[id]; ok {
			inst.Price = snap.price
			inst.Turnover = snap.turnover
			inst.MarketCap = snap.marketCap
		}
		out = append(out, inst)
	}

	c.logger.WithFields(map[string]interface{}{
		"scope":     filter.Scope,
		"listed":    basic.Len(),
		"returned":  len(out),
		"snapshot":  len(snapshot),
		"suspended": len(suspended),
	}).Debug("Tushare universe fetched")

	return out, nil
}

type quote struct {
	price     float64
	turnover  float64
	marketCap float64
}

// snapshot reads close / turnover_rate / total_mv (10k CNY) for asOf
func (c *Client) snapshot(ctx context.Context, asOf time.Time) (map[string]quote, error) {
	frame, err := c.limitedQuery(ctx, "daily_basic", map[string]interface{}{"trade_date": asOf.Format(DateLayout)}, snapshotFields)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	out := make(map[string]quote, frame.Len())
	for i := 0; i < frame.Len(); i++ {
		out[frame.String(i, "ts_code")] = quote{
			price:     zeroIfNaN(frame.Float(i, "close")),
			turnover:  zeroIfNaN(frame.Float(i, "turnover_rate")),
			marketCap: zeroIfNaN(frame.Float(i, "total_mv")),
		}
	}
	return out, nil
}

// suspended returns the ids suspended on asOf
func (c *Client) suspended(ctx context.Context, asOf time.Time) (map[string]bool, error) {
	frame, err := c.limitedQuery(ctx, "suspend_d", map[string]interface{}{
		"trade_date":   asOf.Format(DateLayout),
		"suspend_type": "S",
	}, []string{"ts_code"})
	if err != nil {
		return nil, fmt.Errorf("suspensions: %w", err)
	}
	return codes(frame, "ts_code"), nil
}

// indexMembers unions the constituents of every index over the month
// before asOf (index_weight is published monthly)
func (c *Client) indexMembers(ctx context.Context, indexes []string, asOf time.Time) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, code := range indexes {
		frame, err := c.limitedQuery(ctx, "index_weight", map[string]interface{}{
			"index_code": code,
			"start_date": asOf.AddDate(0, -1, 0).Format(DateLayout),
			"end_date":   asOf.Format(DateLayout),
		}, []string{"con_code"})
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", code, err)
		}
		for id := range codes(frame, "con_code") {
			out[id] = true
		}
	}
	return out, nil
}

// conceptMembers unions the members of every concept id
func (c *Client) conceptMembers(ctx context.Context, concepts []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range concepts {
		frame, err := c.limitedQuery(ctx, "concept_detail", map[string]interface{}{"id": id}, []string{"ts_code"})
		if err != nil {
			return nil, fmt.Errorf("concept %s: %w", id, err)
		}
		for code := range codes(frame, "ts_code") {
			out[code] = true
		}
	}
	return out, nil
}

func codes(frame *Frame, field string) map[string]bool {
	out := make(map[string]bool, frame.Len())
	for i := 0; i < frame.Len(); i++ {
		if id := frame.String(i, field); id != "" {
			out[id] = true
		}
	}
	return out
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
