package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/execution"
)

// runCmd executes one strategy in-process and prints the ranking
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "전략 실행",
	Long: `전략을 한 번 실행하고 상위 종목을 출력합니다.

Ctrl+C 입력 시 실행을 취소합니다.

Example:
  go run ./cmd/screener run --strategy value_momentum
  go run ./cmd/screener run --strategy value_momentum --scope INDEX --index 000300.SH --top 30
  go run ./cmd/screener run --strategy dividend --date 2024-06-28 --dry-run`,
	RunE: runStrategy,
}

var (
	runStrategyID string
	runScope      string
	runIndexes    []string
	runMarkets    []string
	runDate       string
	runTopN       int
	runGroupTopN  int
	runDryRun     bool
	runCache      string
	runTimeout    time.Duration
	runExcludeST  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runStrategyID, "strategy", "s", "", "전략 ID (필수)")
	runCmd.Flags().StringVar(&runScope, "scope", string(contracts.ScopeAll), "유니버스 범위 (ALL|INDUSTRY|CONCEPT|INDEX|CUSTOM)")
	runCmd.Flags().StringSliceVar(&runIndexes, "index", nil, "지수 코드 (scope=INDEX)")
	runCmd.Flags().StringSliceVar(&runMarkets, "market", nil, "시장 필터")
	runCmd.Flags().StringVar(&runDate, "date", "", "기준일 YYYY-MM-DD (기본값: 오늘)")
	runCmd.Flags().IntVar(&runTopN, "top", 20, "상위 N 종목")
	runCmd.Flags().IntVar(&runGroupTopN, "group-top", 0, "그룹별 상위 N 종목")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "데이터 수집 계획만 출력")
	runCmd.Flags().StringVar(&runCache, "cache", string(contracts.SmartCache), "캐시 전략 (NO_CACHE|CACHE_FIRST|API_FIRST|SMART_CACHE)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "최대 실행 시간 (기본값: MAX_EXECUTION_TIME)")
	runCmd.Flags().BoolVar(&runExcludeST, "exclude-st", true, "ST 종목 제외")
	_ = runCmd.MarkFlagRequired("strategy")
}

func runStrategy(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	req := execution.Request{
		StrategyID: runStrategyID,
		Filter: contracts.FilterSpec{
			Scope:            contracts.Scope(strings.ToUpper(runScope)),
			Indexes:          runIndexes,
			Markets:          runMarkets,
			ExcludeST:        runExcludeST,
			ExcludeSuspended: true,
		},
		Options: execution.Options{
			DryRun:           runDryRun,
			CacheStrategy:    contracts.CacheStrategy(strings.ToUpper(runCache)),
			MaxExecutionTime: runTimeout,
			TopN:             runTopN,
			GroupTopN:        runGroupTopN,
		},
	}
	if runDate != "" {
		d, err := time.Parse("2006-01-02", runDate)
		if err != nil {
			return fmt.Errorf("--date: want YYYY-MM-DD, got %q", runDate)
		}
		req.Options.StartDate, req.Options.EndDate = d, d
	}

	id, err := a.coordinator.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Execution %s (%s)", id, runStrategyID)))

	rec, err := a.coordinator.Watch(id)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	// 상태 변화마다 진행률 출력
	last := ""
	for {
		changed := rec.Changed()
		p := rec.Progress()
		line := fmt.Sprintf("%s|%.1f", p.Status, p.OverallProgress)
		if p.LatestLog != nil {
			line += p.LatestLog.Message
		}
		if line != last {
			printProgress(out, p)
			last = line
		}
		if p.Status.IsTerminal() {
			break
		}

		select {
		case <-changed:
		case <-quit:
			a.coordinator.Cancel(id, "interrupted")
		}
	}

	snap := rec.Snapshot()
	switch snap.Status {
	case execution.StatusCompleted:
		printResult(cmd, snap.Result)
		return nil
	case execution.StatusCancelled:
		return fmt.Errorf("execution cancelled: %s", snap.CancelReason)
	default:
		return fmt.Errorf("%s", snap.Error)
	}
}

func printResult(cmd *cobra.Command, res *execution.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)

	if res.DryRun {
		fmt.Fprintln(out, titleStyle.Render("Fetch plan"))
		fmt.Fprintf(out, "  Universe  : %d instruments\n", res.UniverseSize)
		if res.Plan != nil {
			fmt.Fprintf(out, "  Batches   : %d\n", res.Plan.Batches)
			fmt.Fprintf(out, "  Fields    : %d\n", res.Plan.Fields)
		}
		printRequirement(out, res.Requirement)
		printWarnings(cmd, res)
		return
	}

	printRanking(out, fmt.Sprintf("Top %d of %d scored (universe %d)", len(res.Top), res.Scored, res.UniverseSize), res.Top)

	groups := make([]string, 0, len(res.GroupTop))
	for g := range res.GroupTop {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		printRanking(out, "Group "+g, res.GroupTop[g])
	}

	if len(res.FailedInstruments) > 0 {
		fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("Failed instruments (%d): %s",
			len(res.FailedInstruments), strings.Join(res.FailedInstruments, ", "))))
	}
	for id, msg := range res.FailedFactors {
		fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("Factor %s failed: %s", id, msg)))
	}
	printWarnings(cmd, res)
}

func printWarnings(cmd *cobra.Command, res *execution.Result) {
	for _, w := range res.Warnings {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("⚠️  unknown token %q in factor %s", w.Token, w.FactorID)))
	}
}

