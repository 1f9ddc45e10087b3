package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	strategySource string
	verbose        bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "screener",
	Short: "Factor screen - 팩터 기반 종목 스크리닝 엔진",
	Long: `Factor screen Unified CLI

전략(가중 팩터 목록)을 받아 종목 유니버스를 해석하고, 필요한 데이터를
레이트 리밋과 캐시를 거쳐 수집한 뒤 팩터를 계산하고 순위를 매깁니다.

Usage:
  go run ./cmd/screener [command]

Examples:
  go run ./cmd/screener api
  go run ./cmd/screener run --strategy value_momentum --top 20
  go run ./cmd/screener analyze value_momentum
  go run ./cmd/screener strategy list`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&strategySource, "strategies", "dir", "strategy source (dir|postgres)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
