package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wonny/factorscreen/internal/ratelimit"
	"github.com/wonny/factorscreen/pkg/config"
	"github.com/wonny/factorscreen/pkg/httputil"
	"github.com/wonny/factorscreen/pkg/logger"
)

// DateLayout is the Tushare date format
const DateLayout = "20060102"

// Client handles communication with the Tushare Pro API
// ⭐ SSOT: Tushare API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	token      string
	baseURL    string

	// limiter guards the universe queries; market fetches are permitted
	// by datafetch
	limiter ratelimit.Acquirer
}

// NewHTTPClient builds the transport for the client. Transport retries
// are off so every HTTP request is one counted permit; datafetch owns
// backoff.
func NewHTTPClient(cfg config.TushareConfig, log *logger.Logger) *httputil.Client {
	return httputil.New(log).DisableRetry().WithQPS(cfg.QPS)
}

// NewClient creates a new Tushare client
func NewClient(cfg config.TushareConfig, httpClient *httputil.Client, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		httpClient: httpClient,
		logger:     log,
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type apiRequest struct {
	APIName string                 `json:"api_name"`
	Token   string                 `json:"token"`
	Params  map[string]interface{} `json:"params"`
	Fields  string                 `json:"fields"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// APIError is a non-zero Tushare response code
type APIError struct {
	API  string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tushare %s: code %d: %s", e.API, e.Code, e.Msg)
}

// WithLimiter makes universe queries acquire a permit per request
func (c *Client) WithLimiter(acq ratelimit.Acquirer) *Client {
	c.limiter = acq
	return c
}

// limitedQuery is Query under a limiter permit
func (c *Client) limitedQuery(ctx context.Context, api string, params map[string]interface{}, fields []string) (*Frame, error) {
	if c.limiter != nil {
		permit, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("tushare %s: %w", api, err)
		}
		defer permit.Release()
	}
	return c.Query(ctx, api, params, fields)
}

// Query calls one Tushare interface and returns its result frame
func (c *Client) Query(ctx context.Context, api string, params map[string]interface{}, fields []string) (*Frame, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	req := apiRequest{
		APIName: api,
		Token:   c.token,
		Params:  params,
		Fields:  strings.Join(fields, ","),
	}

	resp, err := c.httpClient.PostJSON(ctx, c.baseURL, req)
	if err != nil {
		return nil, fmt.Errorf("tushare %s request failed: %w", api, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tushare %s response: %w", api, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tushare %s returned status %d: %s", api, resp.StatusCode, string(body))
	}

	var out apiResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode tushare %s response: %w", api, err)
	}
	if out.Code != 0 {
		return nil, &APIError{API: api, Code: out.Code, Msg: out.Msg}
	}

	frame := &Frame{}
	if out.Data != nil {
		frame.Fields = out.Data.Fields
		frame.Items = out.Data.Items
	}
	frame.build()

	c.logger.WithFields(map[string]interface{}{
		"api":  api,
		"rows": frame.Len(),
	}).Debug("Tushare query")

	return frame, nil
}

// Frame is a column-named result set
type Frame struct {
	Fields []string
	Items  [][]interface{}

	index map[string]int
}

func (f *Frame) build() {
	f.index = make(map[string]int, len(f.Fields))
	for i, name := range f.Fields {
		f.index[name] = i
	}
}

// Len returns the row count
func (f *Frame) Len() int {
	return len(f.Items)
}

// Has reports whether the frame carries a column
func (f *Frame) Has(field string) bool {
	_, ok := f.index[field]
	return ok
}

func (f *Frame) value(row int, field string) interface{} {
	i, ok := f.index[field]
	if !ok || row < 0 || row >= len(f.Items) || i >= len(f.Items[row]) {
		return nil
	}
	return f.Items[row][i]
}

// String returns a text cell, "" when missing
func (f *Frame) String(row int, field string) string {
	switch v := f.value(row, field).(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric cell, NaN when missing or unparsable
func (f *Frame) Float(row int, field string) float64 {
	switch v := f.value(row, field).(type) {
	case json.Number:
		x, err := v.Float64()
		if err != nil {
			return math.NaN()
		}
		return x
	case float64:
		return v
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return math.NaN()
		}
		return x
	default:
		return math.NaN()
	}
}

// Date returns a YYYYMMDD cell as a UTC date, zero when missing
func (f *Frame) Date(row int, field string) time.Time {
	s := f.String(row, field)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
