package tushare

import (
	"context"
	"strings"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/datafetch"
)

// dateField names the column a row is dated by. Financial statements are
// dated by announcement so nothing is visible before it was published.
func dateField(iface string) string {
	switch iface {
	case "fina_indicator", "income", "balancesheet", "cashflow":
		return "ann_date"
	default:
		return "trade_date"
	}
}

// EventDated implements datafetch.EventDated: statement rows are carried
// forward from their announcement date
func (c *Client) EventDated(iface string) bool {
	return dateField(iface) == "ann_date"
}

// Fetch implements datafetch.Provider for any Tushare interface that takes
// ts_code + start_date/end_date
func (c *Client) Fetch(ctx context.Context, req datafetch.Request) (*contracts.Table, error) {
	dateCol := dateField(req.Interface)
	fields := append([]string{"ts_code", dateCol}, req.Fields...)

	params := map[string]interface{}{
		"ts_code": strings.Join(req.Instruments, ","),
	}
	if !req.Start.IsZero() {
		params["start_date"] = req.Start.Format(DateLayout)
	}
	if !req.End.IsZero() {
		params["end_date"] = req.End.Format(DateLayout)
	}

	frame, err := c.Query(ctx, req.Interface, params, fields)
	if err != nil {
		return nil, err
	}

	t := contracts.NewTable(req.Fields...)
	for i := 0; i < frame.Len(); i++ {
		id := frame.String(i, "ts_code")
		date := frame.Date(i, dateCol)
		if id == "" || date.IsZero() {
			continue
		}
		row := make(map[string]float64, len(req.Fields))
		for _, f := range req.Fields {
			row[f] = frame.Float(i, f)
		}
		t.AppendRow(contracts.RowKey{Instrument: id, Date: date}, row)
	}
	t.Sort()
	return t, nil
}
