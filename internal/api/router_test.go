package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/internal/api/handlers"
	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/datafetch"
	"github.com/wonny/factorscreen/internal/execution"
	"github.com/wonny/factorscreen/internal/requirement"
	"github.com/wonny/factorscreen/pkg/logger"
)

type catalog map[string]*contracts.Strategy

func (c catalog) Load(_ context.Context, id string) (*contracts.Strategy, error) {
	s, ok := c[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (c catalog) List(context.Context) ([]string, error) {
	return []string{"value"}, nil
}

type resolver struct{}

func (resolver) Resolve(_ context.Context, _ *contracts.FilterSpec, asOf time.Time) (*contracts.Universe, error) {
	ids := []string{"A", "B", "C"}
	attrs := make(map[string]contracts.Instrument)
	for _, id := range ids {
		attrs[id] = contracts.Instrument{ID: id}
	}
	return &contracts.Universe{AsOf: asOf, Instruments: ids, Attributes: attrs, Excluded: map[string]string{}}, nil
}

type provider struct {
	gate chan struct{} // nil = never block
}

func (p *provider) Fetch(ctx context.Context, req datafetch.Request) (*contracts.Table, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	closes := map[string]float64{"A": 1, "B": 2, "C": 3}
	t := contracts.NewTable(req.Fields...)
	for _, id := range req.Instruments {
		row := make(map[string]float64)
		for _, f := range req.Fields {
			row[f] = math.NaN()
			if f == "close" {
				row[f] = closes[id]
			}
			if f == "open" {
				row[f] = 4 - closes[id]
			}
		}
		t.AppendRow(contracts.RowKey{Instrument: id, Date: req.End}, row)
	}
	return t, nil
}

func field(id, name string, weight float64) contracts.FactorDescriptor {
	return contracts.FactorDescriptor{
		ID: id, Weight: weight, Enabled: true, Kind: "field", Field: name,
		Computation: contracts.ComputationFunc(func(_ context.Context, t *contracts.Table) ([]float64, error) {
			return append([]float64(nil), t.Column(name)...), nil
		}),
	}
}

type testEnv struct {
	router http.Handler
	coord  *execution.Coordinator
	gate   chan struct{}
}

func newEnv(t *testing.T, blocking bool) *testEnv {
	t.Helper()
	p := &provider{}
	if blocking {
		p.gate = make(chan struct{})
	}
	cat := catalog{"value": {ID: "value", Factors: []contracts.FactorDescriptor{field("f1", "close", 0.5), field("f2", "open", 0.5)}}}

	coord := execution.NewCoordinator(execution.Deps{
		Strategies: cat,
		Resolver:   resolver{},
		Fetcher:    datafetch.New(p, nil, nil, datafetch.Config{}, nil),
	}, execution.Config{MaxExecutionTime: 5 * time.Second, Location: time.UTC}, nil)

	t.Cleanup(func() {
		if blocking {
			close(p.gate)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})

	router := NewRouter(RouterConfig{
		Executions:     handlers.NewExecutionHandler(coord, logger.Nop()),
		Strategies:     handlers.NewStrategyHandler(cat, requirement.NewAnalyzer(nil), logger.Nop()),
		MetricsEnabled: true,
	}, logger.Nop())

	return &testEnv{router: router, coord: coord, gate: p.gate}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (e *testEnv) submit(t *testing.T) string {
	t.Helper()
	rec, out := e.do(t, http.MethodPost, "/api/executions",
		`{"strategy_id":"value","filter":{"scope":"ALL"},"options":{"start_date":"2024-06-28","end_date":"2024-06-28","top_n":2}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id, _ := out["execution_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.coord.Wait(ctx, id)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	env := newEnv(t, false)
	rec, out := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestMetrics(t *testing.T) {
	env := newEnv(t, false)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestExecution_Lifecycle(t *testing.T) {
	env := newEnv(t, false)
	id := env.submit(t)
	env.wait(t, id)

	rec, out := env.do(t, http.MethodGet, "/api/executions/"+id+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", out["status"])
	assert.Equal(t, 100.0, out["overall_progress"])

	rec, out = env.do(t, http.MethodGet, "/api/executions/"+id+"/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	top, ok := out["top"].([]interface{})
	require.True(t, ok)
	require.Len(t, top, 2)
	assert.Equal(t, "A", top[0].(map[string]interface{})["instrument"])

	rec, out = env.do(t, http.MethodGet, "/api/executions/"+id+"/logs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, out["count"])

	rec, out = env.do(t, http.MethodGet, "/api/executions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, out["execution_id"])

	rec, out = env.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", `{"reason":"late"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestExecution_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"strategy_id":`},
		{"unknown field", `{"strategy_id":"value","filter":{"scope":"ALL"},"extra":1}`},
		{"unknown strategy", `{"strategy_id":"nope","filter":{"scope":"ALL"}}`},
		{"inverted range", `{"strategy_id":"value","filter":{"scope":"ALL","price":{"min":10,"max":5}}}`},
		{"bad date", `{"strategy_id":"value","filter":{"scope":"ALL"},"options":{"start_date":"28/06/2024"}}`},
		{"bad duration", `{"strategy_id":"value","filter":{"scope":"ALL"},"options":{"max_execution_time":"soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, false)
			rec, out := env.do(t, http.MethodPost, "/api/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestExecution_NotFound(t *testing.T) {
	env := newEnv(t, false)
	for _, path := range []string{"/progress", "/logs", "/result", ""} {
		rec, _ := env.do(t, http.MethodGet, "/api/executions/missing"+path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec, out := env.do(t, http.MethodPost, "/api/executions/missing/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestExecution_CancelWhileRunning(t *testing.T) {
	env := newEnv(t, true)
	id := env.submit(t)

	rec, _ := env.do(t, http.MethodGet, "/api/executions/"+id+"/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out := env.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", `{"reason":"user"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, out = env.do(t, http.MethodGet, "/api/executions/"+id+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", out["status"])

	rec, _ = env.do(t, http.MethodGet, "/api/executions/"+id+"/logs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecution_Stream(t *testing.T) {
	env := newEnv(t, false)
	id := env.submit(t)
	env.wait(t, id)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/executions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var p execution.Progress
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, execution.StatusCompleted, p.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestStrategies(t *testing.T) {
	env := newEnv(t, false)

	rec, out := env.do(t, http.MethodGet, "/api/strategies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, out["count"])

	rec, out = env.do(t, http.MethodGet, "/api/strategies/value/requirements", "")
	require.Equal(t, http.StatusOK, rec.Code)
	req, ok := out["requirement"].(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"close", "open"}, req["daily"])

	rec, _ = env.do(t, http.MethodGet, "/api/strategies/nope/requirements", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

