package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// analyzeCmd prints what data a strategy needs without fetching anything
var analyzeCmd = &cobra.Command{
	Use:   "analyze <strategy-id>",
	Short: "전략 데이터 요구사항 분석",
	Long: `전략의 팩터 식을 분석해 필요한 데이터 인터페이스와 필드를 출력합니다.

Example:
  go run ./cmd/screener analyze value_momentum`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.strategies.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	analysis := a.analyzer.Analyze(s.Factors)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s (%d factors, lookback %d days)", s.ID, len(s.EnabledFactors()), s.MaxLookback())))
	printRequirement(out, analysis.Requirement)

	ids := make([]string, 0, len(analysis.PerFactor))
	for id := range analysis.PerFactor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if verbose {
		for _, id := range ids {
			fmt.Fprintln(out, headerStyle.Render(id))
			printRequirement(out, analysis.PerFactor[id])
		}
	}
	for _, w := range analysis.Warnings {
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("⚠️  unknown token %q in factor %s", w.Token, w.FactorID)))
	}
	return nil
}
