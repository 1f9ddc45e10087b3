package execution

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/datafetch"
	"github.com/wonny/factorscreen/internal/requirement"
	"github.com/wonny/factorscreen/internal/selection"
)

// Status is the execution state. The RUNNING family is refined into the
// four pipeline stages.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusRunning           Status = "RUNNING"
	StatusDataFetching      Status = "DATA_FETCHING"
	StatusFactorCalculating Status = "FACTOR_CALCULATING"
	StatusRanking           Status = "RANKING"
	StatusFiltering         Status = "FILTERING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// IsTerminal reports a final state
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning reports RUNNING or one of its stages
func (s Status) IsRunning() bool {
	switch s {
	case StatusRunning, StatusDataFetching, StatusFactorCalculating, StatusRanking, StatusFiltering:
		return true
	}
	return false
}

// transitions lists the legal forward moves; FAILED and CANCELLED are
// reachable from every non-terminal state
var transitions = map[Status][]Status{
	StatusPending:           {StatusRunning},
	StatusRunning:           {StatusDataFetching, StatusCompleted},
	StatusDataFetching:      {StatusFactorCalculating},
	StatusFactorCalculating: {StatusRanking},
	StatusRanking:           {StatusFiltering},
	StatusFiltering:         {StatusCompleted},
}

// CanTransition validates a state change
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stages are the weighted pipeline stages; fetching dominates
var Stages = []Status{StatusDataFetching, StatusFactorCalculating, StatusRanking, StatusFiltering}

var stageWeights = map[Status]float64{
	StatusDataFetching:      0.5,
	StatusFactorCalculating: 0.3,
	StatusRanking:           0.1,
	StatusFiltering:         0.1,
}

// StageProgress tracks one stage
type StageProgress struct {
	Stage     Status     `json:"stage"`
	Progress  float64    `json:"progress"` // 0-100
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Log levels
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogEntry is one append-only log line of an execution
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Stage     Status                 `json:"stage"`
	Message   string                 `json:"message"`
	Progress  *float64               `json:"progress,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of a COMPLETED execution
type Result struct {
	Top      []contracts.RankedInstrument            `json:"top"`
	GroupTop map[string][]contracts.RankedInstrument `json:"group_top,omitempty"`
	Scored   int                                     `json:"scored"`

	UniverseSize      int                       `json:"universe_size"`
	FailedInstruments []string                  `json:"failed_instruments,omitempty"`
	FailedFactors     map[string]string         `json:"failed_factors,omitempty"`
	Requirement       contracts.DataRequirement `json:"requirement,omitempty"`
	Warnings          []requirement.Warning     `json:"warnings,omitempty"`
	Plan              *datafetch.Plan           `json:"plan,omitempty"`
	DryRun            bool                      `json:"dry_run"`
}

func resultFrom(sel *selection.Result) *Result {
	if sel == nil {
		return &Result{Top: []contracts.RankedInstrument{}}
	}
	return &Result{Top: sel.Top, GroupTop: sel.GroupTop, Scored: sel.Scored}
}

// Record is the mutable state of one execution. Only the coordinator that
// owns the id mutates it; every mutation after a terminal state is a no-op.
type Record struct {
	mu sync.RWMutex

	id           string
	strategyID   string
	status       Status
	currentStage Status
	stages       []StageProgress
	overall      float64
	logs         []LogEntry

	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time

	errMsg       string
	cancelReason string
	result       *Result

	changed chan struct{}
}

// NewRecord creates a PENDING record
func NewRecord(id, strategyID string, now time.Time) *Record {
	stages := make([]StageProgress, len(Stages))
	for i, s := range Stages {
		stages[i] = StageProgress{Stage: s}
	}
	return &Record{
		id:           id,
		strategyID:   strategyID,
		status:       StatusPending,
		currentStage: StatusPending,
		stages:       stages,
		createdAt:    now,
		changed:      make(chan struct{}),
	}
}

// ID returns the execution id
func (r *Record) ID() string {
	return r.id
}

// Status returns the current state
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Changed returns a channel closed at the next mutation
func (r *Record) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// notify wakes watchers; caller holds r.mu
func (r *Record) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// transition moves to a new state if legal
func (r *Record) transition(to Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.status, to) {
		return fmt.Errorf("illegal transition %s → %s", r.status, to)
	}
	r.enter(to, now)
	return nil
}

// enter applies a legal transition; caller holds r.mu
func (r *Record) enter(to Status, now time.Time) {
	from := r.status
	r.status = to

	if to == StatusRunning {
		r.startedAt = &now
	}
	if from.IsRunning() {
		if sp := r.stage(from); sp != nil && sp.EndedAt == nil && sp.StartedAt != nil {
			sp.EndedAt = &now
		}
	}
	if sp := r.stage(to); sp != nil {
		sp.StartedAt = &now
	}
	if !to.IsTerminal() {
		r.currentStage = to
	} else {
		r.endedAt = &now
	}
	if to == StatusCompleted {
		r.overall = 100
	}
	r.notify()
}

func (r *Record) stage(s Status) *StageProgress {
	for i := range r.stages {
		if r.stages[i].Stage == s {
			return &r.stages[i]
		}
	}
	return nil
}

// setStageProgress records a stage percentage and advances the overall
// progress, which never decreases
func (r *Record) setStageProgress(s Status, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() {
		return
	}
	sp := r.stage(s)
	if sp == nil {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct > sp.Progress {
		sp.Progress = pct
	}

	total := 0.0
	for _, st := range r.stages {
		total += stageWeights[st.Stage] * st.Progress
	}
	if total > r.overall {
		r.overall = total
	}
	r.notify()
}

// appendLog adds a log entry unless the record is terminal
func (r *Record) appendLog(e LogEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() {
		return false
	}
	if e.Stage == "" {
		e.Stage = r.currentStage
	}
	r.logs = append(r.logs, e)
	r.notify()
	return true
}

// finish moves to a terminal state with a closing log line.
// It reports false when the record was already terminal.
func (r *Record) finish(to Status, now time.Time, level, msg string, apply func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.status, to) {
		return false
	}
	stage := r.currentStage
	if apply != nil {
		apply()
	}
	r.logs = append(r.logs, LogEntry{Timestamp: now, Level: level, Stage: stage, Message: msg})
	r.enter(to, now)
	return true
}

func (r *Record) complete(res *Result, now time.Time) bool {
	return r.finish(StatusCompleted, now, LevelInfo, "Execution completed", func() {
		r.result = res
	})
}

func (r *Record) fail(err error, now time.Time) bool {
	msg := err.Error()
	return r.finish(StatusFailed, now, LevelError, "Execution failed: "+msg, func() {
		r.errMsg = msg
	})
}

func (r *Record) cancel(reason string, now time.Time) bool {
	msg := "Execution cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	return r.finish(StatusCancelled, now, LevelWarning, msg, func() {
		r.cancelReason = reason
	})
}

// Snapshot is an immutable copy of a record
type Snapshot struct {
	ID              string          `json:"execution_id"`
	StrategyID      string          `json:"strategy_id"`
	Status          Status          `json:"status"`
	CurrentStage    Status          `json:"current_stage"`
	Stages          []StageProgress `json:"stages"`
	OverallProgress float64         `json:"overall_progress"`
	Logs            []LogEntry      `json:"logs"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Result          *Result         `json:"result,omitempty"`
}

// Snapshot copies the record
func (r *Record) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &Snapshot{
		ID:              r.id,
		StrategyID:      r.strategyID,
		Status:          r.status,
		CurrentStage:    r.currentStage,
		Stages:          append([]StageProgress(nil), r.stages...),
		OverallProgress: r.overall,
		Logs:            append([]LogEntry(nil), r.logs...),
		CreatedAt:       r.createdAt,
		StartedAt:       r.startedAt,
		EndedAt:         r.endedAt,
		Error:           r.errMsg,
		CancelReason:    r.cancelReason,
		Result:          r.result,
	}
}

// Progress is the polling view of an execution
type Progress struct {
	ExecutionID     string    `json:"execution_id"`
	Status          Status    `json:"status"`
	CurrentStage    Status    `json:"current_stage"`
	OverallProgress float64   `json:"overall_progress"`
	LatestLog       *LogEntry `json:"latest_log,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Progress returns the polling view
func (r *Record) Progress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := Progress{
		ExecutionID:     r.id,
		Status:          r.status,
		CurrentStage:    r.currentStage,
		OverallProgress: r.overall,
		Error:           r.errMsg,
	}
	if n := len(r.logs); n > 0 {
		latest := r.logs[n-1]
		p.LatestLog = &latest
	}
	return p
}

// LogQuery filters the log trail
type LogQuery struct {
	Level string
	Stage Status
	Limit int
}

// Logs returns matching entries, capped to the most recent Limit
func (r *Record) Logs(q LogQuery) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LogEntry, 0, len(r.logs))
	for _, e := range r.logs {
		if q.Level != "" && !strings.EqualFold(e.Level, q.Level) {
			continue
		}
		if q.Stage != "" && e.Stage != q.Stage {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Result returns the final result once COMPLETED
func (r *Record) Result() (*Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status != StatusCompleted {
		return nil, fmt.Errorf("%w: status %s", contracts.ErrNotCompleted, r.status)
	}
	return r.result, nil
}

// EndedAt returns when the record became terminal
func (r *Record) EndedAt() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.endedAt == nil {
		return time.Time{}, false
	}
	return *r.endedAt, true
}
