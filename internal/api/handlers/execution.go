package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/execution"
	"github.com/wonny/factorscreen/pkg/logger"
)

// Executor is the coordinator surface the handlers need
type Executor interface {
	Submit(ctx context.Context, req execution.Request) (string, error)
	GetProgress(id string) (execution.Progress, error)
	GetLogs(id string, q execution.LogQuery) ([]execution.LogEntry, error)
	Cancel(id, reason string) bool
	GetResult(id string) (*execution.Result, error)
	Snapshot(id string) (*execution.Snapshot, error)
	Watch(id string) (*execution.Record, error)
}

// ExecutionHandler serves the execution endpoints
// ⭐ SSOT: 실행 API 핸들러는 이 구조체에서만
type ExecutionHandler struct {
	exec     Executor
	logger   *logger.Logger
	upgrader websocket.Upgrader
	interval time.Duration
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(exec Executor, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		exec:   exec,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		interval: 2 * time.Second,
	}
}

// submitRequest is the wire form of a submission; durations and dates
// are strings
type submitRequest struct {
	StrategyID string               `json:"strategy_id"`
	Filter     contracts.FilterSpec `json:"filter"`
	Options    struct {
		DryRun           bool                       `json:"dry_run"`
		CacheStrategy    contracts.CacheStrategy    `json:"cache_strategy"`
		RateLimitPolicy  *contracts.RateLimitPolicy `json:"rate_limit_policy"`
		MaxExecutionTime string                     `json:"max_execution_time"` // "10m"
		StartDate        string                     `json:"start_date"`         // 2006-01-02
		EndDate          string                     `json:"end_date"`
		LookbackDays     int                        `json:"lookback_days"`
		TopN             int                        `json:"top_n"`
		GroupTopN        int                        `json:"group_top_n"`
	} `json:"options"`
}

func (s submitRequest) toRequest() (execution.Request, error) {
	req := execution.Request{StrategyID: s.StrategyID, Filter: s.Filter}
	o := s.Options
	req.Options = execution.Options{
		DryRun:          o.DryRun,
		CacheStrategy:   o.CacheStrategy,
		RateLimitPolicy: o.RateLimitPolicy,
		LookbackDays:    o.LookbackDays,
		TopN:            o.TopN,
		GroupTopN:       o.GroupTopN,
	}

	if o.MaxExecutionTime != "" {
		d, err := time.ParseDuration(o.MaxExecutionTime)
		if err != nil {
			return req, contracts.ValidationError{Field: "options.max_execution_time", Message: err.Error()}
		}
		req.Options.MaxExecutionTime = d
	}
	for _, date := range []struct {
		field string
		value string
		dst   *time.Time
	}{
		{"options.start_date", o.StartDate, &req.Options.StartDate},
		{"options.end_date", o.EndDate, &req.Options.EndDate},
	} {
		if date.value == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", date.value)
		if err != nil {
			return req, contracts.ValidationError{Field: date.field, Message: fmt.Sprintf("want YYYY-MM-DD, got %q", date.value)}
		}
		*date.dst = t
	}
	return req, nil
}

// Submit starts an execution
// POST /api/executions
func (h *ExecutionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	req, err := body.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.exec.Submit(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			h.logger.WithError(err).Error("Failed to submit execution")
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": id,
		"status":       execution.StatusPending,
	})
}

// Get returns the full record
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.exec.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// Progress returns the polling view
// GET /api/executions/{id}/progress
func (h *ExecutionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.exec.GetProgress(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Logs returns filtered log entries
// GET /api/executions/{id}/logs?level=&stage=&limit=
func (h *ExecutionHandler) Logs(w http.ResponseWriter, r *http.Request) {
	q := execution.LogQuery{
		Level: r.URL.Query().Get("level"),
		Stage: execution.Status(r.URL.Query().Get("stage")),
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	logs, err := h.exec.GetLogs(mux.Vars(r)["id"], q)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// Cancel requests cancellation
// POST /api/executions/{id}/cancel
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ok := h.exec.Cancel(mux.Vars(r)["id"], body.Reason)
	respondJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

// Result returns the ranked instruments of a completed execution
// GET /api/executions/{id}/result
func (h *ExecutionHandler) Result(w http.ResponseWriter, r *http.Request) {
	res, err := h.exec.GetResult(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Stream pushes progress snapshots over a websocket until the execution
// is terminal
// GET /api/executions/{id}/stream
func (h *ExecutionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rec, err := h.exec.Watch(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// 클라이언트 종료 감지
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		changed := rec.Changed()
		p := rec.Progress()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(p); err != nil {
			h.logger.WithError(err).Debug("Websocket write failed")
			return
		}
		if p.Status.IsTerminal() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(p.Status)))
			return
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
