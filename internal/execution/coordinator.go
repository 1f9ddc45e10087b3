package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/datafetch"
	"github.com/wonny/factorscreen/internal/factor"
	"github.com/wonny/factorscreen/internal/ratelimit"
	"github.com/wonny/factorscreen/internal/requirement"
	"github.com/wonny/factorscreen/internal/selection"
	"github.com/wonny/factorscreen/pkg/logger"
	"github.com/wonny/factorscreen/pkg/metrics"
)

// StrategyStore loads bound strategies (factor computations attached)
type StrategyStore interface {
	Load(ctx context.Context, id string) (*contracts.Strategy, error)
}

// UniverseResolver turns a filter into an eligible instrument list
type UniverseResolver interface {
	Resolve(ctx context.Context, filter *contracts.FilterSpec, asOf time.Time) (*contracts.Universe, error)
}

// Archive receives every terminal record
type Archive interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// Options tune one execution
type Options struct {
	DryRun           bool                       `json:"dry_run"`
	CacheStrategy    contracts.CacheStrategy    `json:"cache_strategy,omitempty"`
	RateLimitPolicy  *contracts.RateLimitPolicy `json:"rate_limit_policy,omitempty"`
	MaxExecutionTime time.Duration              `json:"max_execution_time,omitempty"`

	// Trade date range; zero values mean today
	StartDate time.Time `json:"start_date,omitempty"`
	EndDate   time.Time `json:"end_date,omitempty"`

	// LookbackDays is extra calendar history fetched before StartDate.
	// Zero derives it from the factors' lookback windows.
	LookbackDays int `json:"lookback_days,omitempty"`

	TopN      int `json:"top_n,omitempty"`
	GroupTopN int `json:"group_top_n,omitempty"`
}

// Request is one submission
type Request struct {
	StrategyID string               `json:"strategy_id"`
	Filter     contracts.FilterSpec `json:"filter"`
	Options    Options              `json:"options"`
}

// Config holds coordinator defaults
type Config struct {
	MaxExecutionTime time.Duration
	LogReturnLimit   int
	Location         *time.Location
}

// Deps are the pipeline collaborators. Archive and Limiter may be nil.
type Deps struct {
	Strategies StrategyStore
	Resolver   UniverseResolver
	Analyzer   *requirement.Analyzer
	Fetcher    *datafetch.Fetcher
	Engine     *factor.Engine
	Limiter    *ratelimit.Limiter
	Archive    Archive
	Registry   *Registry
}

// Coordinator runs executions asynchronously and answers queries about them
// ⭐ SSOT: 실행 상태 전이는 여기서만
type Coordinator struct {
	deps Deps
	cfg  Config
	log  *logger.Logger
	now  func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator
func NewCoordinator(deps Deps, cfg Config, log *logger.Logger) *Coordinator {
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 30 * time.Minute
	}
	if cfg.LogReturnLimit <= 0 {
		cfg.LogReturnLimit = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = requirement.NewAnalyzer(nil)
	}
	if deps.Engine == nil {
		deps.Engine = factor.NewEngine(log)
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
	}
}

// Registry returns the record registry
func (c *Coordinator) Registry() *Registry {
	return c.deps.Registry
}

// job is a validated submission
type job struct {
	rec      *Record
	strategy *contracts.Strategy
	filter   contracts.FilterSpec
	opts     Options
	start    time.Time
	end      time.Time
	budget   time.Duration
	log      *logger.Logger
}

// Submit validates the request, creates a PENDING record and starts the
// pipeline in the background. Invalid requests never create a record.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	j, err := c.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	j.rec = NewRecord(id, req.StrategyID, c.now())
	j.log = c.log.WithExecution(id).WithField("strategy_id", req.StrategyID)
	c.deps.Registry.Put(j.rec)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(j)
	}()

	j.log.WithFields(map[string]interface{}{
		"scope":   req.Filter.Scope,
		"dry_run": req.Options.DryRun,
	}).Info("Execution submitted")
	return id, nil
}

func (c *Coordinator) prepare(ctx context.Context, req Request) (*job, error) {
	if req.StrategyID == "" {
		return nil, contracts.ValidationError{Field: "strategy_id", Message: "required"}
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}

	opts := req.Options
	if opts.CacheStrategy != "" && !opts.CacheStrategy.IsValid() {
		return nil, contracts.ValidationError{Field: "options.cache_strategy", Message: fmt.Sprintf("unknown strategy %q", opts.CacheStrategy)}
	}
	if opts.RateLimitPolicy != nil {
		if err := opts.RateLimitPolicy.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.MaxExecutionTime < 0 {
		return nil, contracts.ValidationError{Field: "options.max_execution_time", Message: "must be >= 0"}
	}
	if opts.LookbackDays < 0 || opts.TopN < 0 || opts.GroupTopN < 0 {
		return nil, contracts.ValidationError{Field: "options", Message: "lookback_days, top_n and group_top_n must be >= 0"}
	}

	today := contracts.Day(c.now().In(c.cfg.Location))
	start, end := contracts.Day(opts.StartDate), contracts.Day(opts.EndDate)
	if end.IsZero() {
		end = previousWeekday(today)
	}
	if start.IsZero() {
		start = end
	}
	if start.After(end) {
		return nil, contracts.ValidationError{Field: "options.start_date", Message: "must not be after end_date"}
	}

	strategy, err := c.deps.Strategies.Load(ctx, req.StrategyID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, contracts.ValidationError{Field: "strategy_id", Message: fmt.Sprintf("strategy %q not found", req.StrategyID)}
		}
		return nil, fmt.Errorf("failed to load strategy %s: %w", req.StrategyID, err)
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	budget := opts.MaxExecutionTime
	if budget == 0 {
		budget = c.cfg.MaxExecutionTime
	}

	return &job{
		strategy: strategy,
		filter:   req.Filter,
		opts:     opts,
		start:    start,
		end:      end,
		budget:   budget,
	}, nil
}

// run drives one execution to a terminal state and archives it
func (c *Coordinator) run(j *job) {
	ctx, cancel := context.WithTimeout(c.baseCtx, j.budget)
	defer cancel()

	watchdog := time.AfterFunc(j.budget, func() {
		c.timeout(j)
	})
	defer watchdog.Stop()

	err := c.pipeline(ctx, j)
	switch {
	case err == nil, errors.Is(err, contracts.ErrCancelled):
	case errors.Is(err, context.DeadlineExceeded):
		c.timeout(j)
	case c.baseCtx.Err() != nil:
		j.rec.cancel("shutdown", c.now())
	default:
		j.rec.fail(err, c.now())
	}

	c.finalize(j)
}

func (c *Coordinator) timeout(j *job) {
	err := &contracts.TimeoutError{Budget: j.budget}
	if j.rec.fail(err, c.now()) {
		j.log.WithError(err).Error("Execution timed out")
	}
}

func (c *Coordinator) finalize(j *job) {
	snap := j.rec.Snapshot()
	metrics.ExecutionsTotal.WithLabelValues(string(snap.Status)).Inc()

	fields := map[string]interface{}{"status": snap.Status}
	if snap.StartedAt != nil && snap.EndedAt != nil {
		fields["duration"] = snap.EndedAt.Sub(*snap.StartedAt)
	}
	if snap.Error != "" {
		fields["error"] = snap.Error
	}
	j.log.WithFields(fields).Info("Execution finished")

	if c.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.Archive.Save(ctx, snap); err != nil {
		j.log.WithError(err).Warn("Failed to archive execution")
	}
}

// pipeline runs the stages. Cancellation is observed between stages,
// between fetch batches and between factors.
func (c *Coordinator) pipeline(ctx context.Context, j *job) error {
	rec := j.rec
	cancelled := func() bool { return rec.Status().IsTerminal() }

	if err := c.enter(j, StatusRunning); err != nil {
		return err
	}
	c.append(j, LevelInfo, "Execution started", nil, map[string]interface{}{
		"strategy_id": j.strategy.ID,
		"start_date":  j.start.Format("2006-01-02"),
		"end_date":    j.end.Format("2006-01-02"),
	})

	// Universe
	universe, err := c.deps.Resolver.Resolve(ctx, &j.filter, j.end)
	if err != nil {
		return fmt.Errorf("universe resolution failed: %w", err)
	}
	c.append(j, LevelInfo, fmt.Sprintf("Universe resolved: %d instruments", universe.Count()), nil, map[string]interface{}{
		"eligible": universe.Count(),
		"excluded": len(universe.Excluded),
	})
	if universe.IsEmpty() {
		c.append(j, LevelWarning, "Universe is empty, nothing to screen", nil, nil)
		rec.complete(&Result{Top: []contracts.RankedInstrument{}, DryRun: j.opts.DryRun}, c.now())
		return nil
	}
	if cancelled() {
		return contracts.ErrCancelled
	}

	// Requirement analysis
	analysis := c.deps.Analyzer.Analyze(j.strategy.Factors)
	for _, w := range analysis.Warnings {
		c.append(j, LevelWarning, fmt.Sprintf("Unknown token %q in factor %s", w.Token, w.FactorID), nil, nil)
	}
	c.append(j, LevelInfo, fmt.Sprintf("Data requirement: %d interfaces, %d fields",
		len(analysis.Requirement), analysis.Requirement.FieldCount()), nil, nil)

	fetchStart := j.start.AddDate(0, 0, -c.lookbackDays(j))

	if j.opts.DryRun {
		plan := c.deps.Fetcher.Plan(universe.Instruments, analysis.Requirement)
		c.append(j, LevelInfo, fmt.Sprintf("Dry run: %d batches planned", plan.Batches), nil, map[string]interface{}{
			"interfaces":  plan.Interfaces,
			"fetch_start": fetchStart.Format("2006-01-02"),
		})
		rec.complete(&Result{
			Top:          []contracts.RankedInstrument{},
			UniverseSize: universe.Count(),
			Requirement:  analysis.Requirement,
			Warnings:     analysis.Warnings,
			Plan:         &plan,
			DryRun:       true,
		}, c.now())
		return nil
	}

	// DATA_FETCHING
	if err := c.enter(j, StatusDataFetching); err != nil {
		return err
	}
	limiter, err := c.limiter(j)
	if err != nil {
		return err
	}
	stageStart := time.Now()
	fetched, err := c.deps.Fetcher.Fetch(ctx, &datafetch.Job{
		Instruments: universe.Instruments,
		Requirement: analysis.Requirement,
		Start:       fetchStart,
		End:         j.end,
		Strategy:    j.opts.CacheStrategy,
		Limiter:     limiter,
		Cancelled:   cancelled,
		Progress: func(done, total int) {
			rec.setStageProgress(StatusDataFetching, percent(done, total))
		},
		Log: j.log,
	})
	if err != nil {
		return err
	}
	failedInstruments := sortedKeys(fetched.Failed)
	if len(failedInstruments) > 0 {
		c.append(j, LevelWarning, fmt.Sprintf("%d instruments failed to fetch and were excluded", len(failedInstruments)), nil,
			map[string]interface{}{"instruments": failedInstruments})
	}
	if !hasRowsBetween(fetched.Table, j.start, j.end) {
		c.append(j, LevelWarning, fmt.Sprintf("No data between %s and %s; the range may hold no trading day",
			j.start.Format("2006-01-02"), j.end.Format("2006-01-02")), nil, nil)
	}
	c.finishStage(j, StatusDataFetching, stageStart, fmt.Sprintf("Data fetched: %d rows (%d calls, %d cache hits)",
		fetched.Table.Len(), fetched.Calls, fetched.Hits))

	// FACTOR_CALCULATING
	if err := c.enter(j, StatusFactorCalculating); err != nil {
		return err
	}
	stageStart = time.Now()
	eval, err := c.deps.Engine.Evaluate(ctx, factor.Request{
		Factors:   j.strategy.Factors,
		Data:      fetched.Table,
		Start:     j.start,
		End:       j.end,
		Cancelled: cancelled,
		Progress: func(done, total int) {
			rec.setStageProgress(StatusFactorCalculating, percent(done, total))
		},
		Log: j.log,
	})
	if err != nil {
		return err
	}
	failedFactors := make(map[string]string, len(eval.Failed))
	for id, ferr := range eval.Failed {
		failedFactors[id] = ferr.Error()
		c.append(j, LevelError, fmt.Sprintf("Factor %s failed: %v", id, ferr), nil, nil)
	}
	c.finishStage(j, StatusFactorCalculating, stageStart, fmt.Sprintf("Factors computed: %d succeeded, %d failed",
		len(eval.Values), len(eval.Failed)))

	// RANKING
	if err := c.enter(j, StatusRanking); err != nil {
		return err
	}
	stageStart = time.Now()
	ranker := selection.NewRanker(c.scoring(j), j.log)
	scored := ranker.Score(selection.Input{
		Rows:       eval.Rows,
		Factors:    c.rankInputs(j, eval),
		Attributes: universe.Attributes,
	})
	c.finishStage(j, StatusRanking, stageStart, fmt.Sprintf("Ranked %d rows", len(scored)))

	// FILTERING
	if err := c.enter(j, StatusFiltering); err != nil {
		return err
	}
	stageStart = time.Now()
	sel := ranker.Select(scored)
	c.finishStage(j, StatusFiltering, stageStart, fmt.Sprintf("Selected top %d", len(sel.Top)))

	res := resultFrom(sel)
	res.UniverseSize = universe.Count()
	res.FailedInstruments = failedInstruments
	res.FailedFactors = failedFactors
	res.Requirement = analysis.Requirement
	res.Warnings = analysis.Warnings
	rec.complete(res, c.now())
	return nil
}

// enter transitions the record; a terminal record means the execution was
// cancelled or timed out in the meantime
func (c *Coordinator) enter(j *job, to Status) error {
	if err := j.rec.transition(to, c.now()); err != nil {
		if j.rec.Status().IsTerminal() {
			return contracts.ErrCancelled
		}
		return err
	}
	if to != StatusRunning {
		c.append(j, LevelInfo, fmt.Sprintf("Stage %s started", to), nil, nil)
	}
	return nil
}

func (c *Coordinator) finishStage(j *job, stage Status, started time.Time, msg string) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
	j.rec.setStageProgress(stage, 100)
	p := 100.0
	c.append(j, LevelInfo, msg, &p, nil)
}

// append adds a trail entry and mirrors it to the structured log
func (c *Coordinator) append(j *job, level, msg string, progress *float64, details map[string]interface{}) {
	entry := LogEntry{
		Timestamp: c.now(),
		Level:     level,
		Message:   msg,
		Progress:  progress,
		Details:   details,
	}
	if !j.rec.appendLog(entry) {
		return
	}
	l := j.log.WithField("stage", j.rec.Progress().CurrentStage)
	if len(details) > 0 {
		l = l.WithFields(details)
	}
	l.Log(level, msg)
}

// limiter chains a per-execution policy in front of the process-wide limiter
func (c *Coordinator) limiter(j *job) (ratelimit.Acquirer, error) {
	if j.opts.RateLimitPolicy == nil {
		if c.deps.Limiter == nil {
			return nil, nil
		}
		return c.deps.Limiter, nil
	}
	own, err := ratelimit.New(*j.opts.RateLimitPolicy, c.cfg.Location)
	if err != nil {
		return nil, err
	}
	if c.deps.Limiter == nil {
		return own, nil
	}
	return ratelimit.Chain{own, c.deps.Limiter}, nil
}

// previousWeekday is the default end date. Today's bars are not published
// until after the close, so the last complete session is at best yesterday.
func previousWeekday(d time.Time) time.Time {
	d = d.AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func hasRowsBetween(t *contracts.Table, start, end time.Time) bool {
	if t == nil {
		return false
	}
	for _, k := range t.Keys {
		if !k.Date.Before(start) && !k.Date.After(end) {
			return true
		}
	}
	return false
}

// lookbackDays converts trading-day windows to calendar days with slack
// for weekends and week-long exchange holidays (春节, 国庆)
func (c *Coordinator) lookbackDays(j *job) int {
	if j.opts.LookbackDays > 0 {
		return j.opts.LookbackDays
	}
	if n := j.strategy.MaxLookback(); n > 0 {
		return n*3/2 + 15
	}
	return 0
}

func (c *Coordinator) scoring(j *job) contracts.ScoringConfig {
	cfg := j.strategy.Scoring
	if j.opts.TopN > 0 {
		cfg.TopN = j.opts.TopN
	}
	if j.opts.GroupTopN > 0 {
		cfg.GroupTopN = j.opts.GroupTopN
	}
	return cfg
}

// rankInputs keeps the factors that produced values, in declaration order
func (c *Coordinator) rankInputs(j *job, eval *factor.Evaluation) []selection.Factor {
	out := make([]selection.Factor, 0, len(eval.Values))
	for _, f := range j.strategy.EnabledFactors() {
		raw, ok := eval.Values[f.ID]
		if !ok {
			continue
		}
		out = append(out, selection.Factor{ID: f.ID, Weight: f.Weight, Raw: raw})
	}
	return out
}

// GetProgress returns the polling view of an execution
func (c *Coordinator) GetProgress(id string) (Progress, error) {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return rec.Progress(), nil
}

// GetLogs returns filtered log entries, at most the configured limit
func (c *Coordinator) GetLogs(id string, q LogQuery) ([]LogEntry, error) {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > c.cfg.LogReturnLimit {
		q.Limit = c.cfg.LogReturnLimit
	}
	return rec.Logs(q), nil
}

// Cancel requests cooperative cancellation. It returns false when the
// execution is unknown or already terminal.
func (c *Coordinator) Cancel(id, reason string) bool {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return false
	}
	if !rec.cancel(reason, c.now()) {
		return false
	}
	c.log.WithExecution(id).WithField("reason", reason).Warn("Execution cancelled")
	return true
}

// GetResult returns the ranked result of a COMPLETED execution
func (c *Coordinator) GetResult(id string) (*Result, error) {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Result()
}

// Snapshot returns the full record
func (c *Coordinator) Snapshot(id string) (*Snapshot, error) {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Snapshot(), nil
}

// Watch returns the record for change notifications
func (c *Coordinator) Watch(id string) (*Record, error) {
	return c.deps.Registry.Get(id)
}

// Wait blocks until the execution is terminal or ctx is done
func (c *Coordinator) Wait(ctx context.Context, id string) (*Snapshot, error) {
	rec, err := c.deps.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	for {
		changed := rec.Changed()
		if rec.Status().IsTerminal() {
			return rec.Snapshot(), nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown cancels running executions and waits for them to finish
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
