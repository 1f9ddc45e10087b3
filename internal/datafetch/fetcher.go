package datafetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/factorscreen/internal/cache"
	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/ratelimit"
	"github.com/wonny/factorscreen/pkg/logger"
	"github.com/wonny/factorscreen/pkg/metrics"
)

// Request is one market data call: an interface, an instrument batch,
// a date range and a field list
type Request struct {
	Interface   string
	Instruments []string
	Start       time.Time
	End         time.Time
	Fields      []string
}

// Provider fetches market data. It may fail, rate-limit or return a
// partial batch.
type Provider interface {
	Fetch(ctx context.Context, req Request) (*contracts.Table, error)
}

// EventDated is implemented by providers whose interfaces publish
// point-in-time records, such as statements keyed by announcement date.
// Their values are carried forward onto the series rows instead of adding
// rows of their own.
type EventDated interface {
	EventDated(iface string) bool
}

// Config tunes batching, retry and the failure threshold
type Config struct {
	BatchSize        int
	Parallelism      int
	CallTimeout      time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold float64

	// EventLookbackDays is how far before Start event-dated interfaces are
	// read, so the latest record published before Start is available
	EventLookbackDays int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		Parallelism:       5,
		CallTimeout:       30 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		FailureThreshold:  0.5,
		EventLookbackDays: 400,
	}
}

// Job describes everything one execution needs fetched
type Job struct {
	Instruments []string
	Requirement contracts.DataRequirement
	Start       time.Time
	End         time.Time
	Strategy    contracts.CacheStrategy

	// Limiter overrides the fetcher's limiter, e.g. a Chain with a
	// per-execution policy
	Limiter ratelimit.Acquirer

	// Cancelled is polled between batches; in-flight calls are never
	// interrupted by it
	Cancelled func() bool

	// Progress receives (completed, total) batch counts
	Progress func(done, total int)

	Log *logger.Logger
}

// Result is the merged table plus the instruments that could not be fetched
type Result struct {
	Table  *contracts.Table
	Failed map[string]error
	Calls  int
	Hits   int
}

// FailureRate returns the share of instruments that failed
func (r *Result) FailureRate(total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(len(r.Failed)) / float64(total)
}

// Plan summarizes the batches a job would issue, without calling anything
type Plan struct {
	Interfaces []string `json:"interfaces"`
	Batches    int      `json:"batches"`
	Fields     int      `json:"fields"`
}

// Fetcher pulls the data a strategy needs, batch by batch, through the
// shared cache and rate limiter
// ⭐ SSOT: 외부 시장 데이터 호출은 여기서만
type Fetcher struct {
	provider Provider
	cache    *cache.Cache
	limiter  ratelimit.Acquirer
	cfg      Config
	log      *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher. cache may be nil (every call goes out).
func New(provider Provider, c *cache.Cache, limiter ratelimit.Acquirer, cfg Config, log *logger.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.EventLookbackDays <= 0 {
		cfg.EventLookbackDays = def.EventLookbackDays
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fetcher{
		provider: provider,
		cache:    c,
		limiter:  limiter,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Plan counts the batches for a dry run
func (f *Fetcher) Plan(instruments []string, req contracts.DataRequirement) Plan {
	perInterface := (len(instruments) + f.cfg.BatchSize - 1) / f.cfg.BatchSize
	return Plan{
		Interfaces: req.Interfaces(),
		Batches:    perInterface * len(req),
		Fields:     req.FieldCount(),
	}
}

type batch struct {
	req Request
	key cache.Key
}

func (f *Fetcher) batches(job *Job) []batch {
	ids := append([]string(nil), job.Instruments...)
	sort.Strings(ids)

	var out []batch
	for _, iface := range job.Requirement.Interfaces() {
		fields := job.Requirement[iface]
		start := job.Start
		if f.eventDated(iface) && !start.IsZero() {
			start = start.AddDate(0, 0, -f.cfg.EventLookbackDays)
		}
		for i := 0; i < len(ids); i += f.cfg.BatchSize {
			end := i + f.cfg.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			req := Request{
				Interface:   iface,
				Instruments: ids[i:end],
				Start:       start,
				End:         job.End,
				Fields:      fields,
			}
			out = append(out, batch{
				req: req,
				key: cache.Key{
					Interface:   iface,
					Instruments: req.Instruments,
					Start:       req.Start,
					End:         req.End,
					Fields:      req.Fields,
				},
			})
		}
	}
	return out
}

// Fetch runs every batch of the job. Failed batches mark their instruments
// failed; the rest of the universe proceeds unless the failure rate exceeds
// the threshold, in which case a DataUnavailableError is returned.
// Failed instruments are removed from the merged table.
func (f *Fetcher) Fetch(ctx context.Context, job *Job) (*Result, error) {
	log := job.Log
	if log == nil {
		log = f.log
	}
	acq := job.Limiter
	if acq == nil {
		acq = f.limiter
	}

	batches := f.batches(job)
	result := &Result{Failed: make(map[string]error)}
	if len(batches) == 0 {
		result.Table = contracts.NewTable()
		return result, nil
	}

	var (
		mu     sync.Mutex
		tables = make([]*contracts.Table, len(batches))
		done   int
		first  *contracts.DataUnavailableError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallelism)

	for i, b := range batches {
		if job.Cancelled != nil && job.Cancelled() {
			break
		}
		if gctx.Err() != nil {
			break
		}

		i, b := i, b
		g.Go(func() error {
			if job.Cancelled != nil && job.Cancelled() {
				return nil
			}

			tbl, outcome, err := f.fetchBatch(gctx, acq, job.Strategy, b)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				due := &contracts.DataUnavailableError{Interface: b.req.Interface, Instruments: b.req.Instruments, Err: err}
				if first == nil {
					first = due
				}
				for _, id := range b.req.Instruments {
					result.Failed[id] = due
				}
				log.WithError(err).WithFields(map[string]interface{}{
					"interface":   b.req.Interface,
					"instruments": len(b.req.Instruments),
				}).Warn("Batch fetch failed")
			} else {
				tables[i] = tbl
				switch outcome {
				case cache.OutcomeHit, cache.OutcomeL2Hit:
					result.Hits++
				default:
					result.Calls++
				}
			}

			done++
			if job.Progress != nil {
				job.Progress(done, len(batches))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if job.Cancelled != nil && job.Cancelled() {
		return nil, contracts.ErrCancelled
	}

	total := len(job.Instruments)
	if rate := result.FailureRate(total); len(result.Failed) > 0 && rate > f.cfg.FailureThreshold {
		failed := make([]string, 0, len(result.Failed))
		for id := range result.Failed {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		return nil, &contracts.DataUnavailableError{
			Interface:   first.Interface,
			Instruments: failed,
			Err:         fmt.Errorf("failure rate %.2f exceeds threshold %.2f: %w", rate, f.cfg.FailureThreshold, first.Err),
		}
	}

	var series, events []*contracts.Table
	for i, t := range tables {
		if f.eventDated(batches[i].req.Interface) {
			events = append(events, t)
		} else {
			series = append(series, t)
		}
	}
	merged := contracts.MergeTables(series...)
	if len(events) > 0 {
		if len(series) == 0 {
			merged = contracts.MergeTables(events...)
		} else {
			merged = contracts.AsOfJoin(merged, contracts.MergeTables(events...))
		}
	}
	if len(result.Failed) > 0 {
		merged = dropInstruments(merged, result.Failed)
	}
	result.Table = merged
	return result, nil
}

func (f *Fetcher) fetchBatch(ctx context.Context, acq ratelimit.Acquirer, strategy contracts.CacheStrategy, b batch) (*contracts.Table, cache.Outcome, error) {
	load := func(ctx context.Context) (*contracts.Table, error) {
		return f.call(ctx, acq, b.req)
	}
	if f.cache == nil {
		t, err := load(ctx)
		return t, cache.OutcomeBypass, err
	}
	return f.cache.Fetch(ctx, b.key, strategy, load)
}

// call performs one provider request with retries and exponential backoff.
// Every attempt holds a limiter permit for its duration.
func (f *Fetcher) call(ctx context.Context, acq ratelimit.Acquirer, req Request) (*contracts.Table, error) {
	delay := f.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			f.log.WithFields(map[string]interface{}{
				"interface": req.Interface,
				"attempt":   attempt,
				"delay":     delay,
			}).Debug("Retrying provider call")

			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > f.cfg.MaxBackoff {
				delay = f.cfg.MaxBackoff
			}
		}

		t, err := f.attempt(ctx, acq, req)
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(req.Interface, "ok").Inc()
			return t, nil
		}
		metrics.ProviderCalls.WithLabelValues(req.Interface, "error").Inc()
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, contracts.ErrQuotaExhausted) {
			break
		}
	}

	return nil, fmt.Errorf("%s after %d attempts: %w", req.Interface, f.cfg.MaxRetries+1, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, acq ratelimit.Acquirer, req Request) (*contracts.Table, error) {
	if acq != nil {
		permit, err := acq.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer permit.Release()
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	defer cancel()

	t, err := f.provider.Fetch(callCtx, req)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = contracts.NewTable(req.Fields...)
	}
	return t, nil
}

func (f *Fetcher) eventDated(iface string) bool {
	ed, ok := f.provider.(EventDated)
	return ok && ed.EventDated(iface)
}

func dropInstruments(t *contracts.Table, failed map[string]error) *contracts.Table {
	rows := make([]int, 0, t.Len())
	for i, k := range t.Keys {
		if _, bad := failed[k.Instrument]; !bad {
			rows = append(rows, i)
		}
	}
	return t.Select(rows)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
