package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/factorscreen/internal/strategystore"
)

// strategyCmd groups strategy catalog commands
var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "전략 관리",
	Long: `전략 목록 조회 및 YAML 전략을 데이터베이스로 가져옵니다.

Example:
  go run ./cmd/screener strategy list
  go run ./cmd/screener strategy import strategies/value_momentum.yaml`,
}

var strategyListCmd = &cobra.Command{
	Use:   "list",
	Short: "전략 목록",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.strategies.List(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, []string{id})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Strategy"}, rows))
		return nil
	},
}

var strategyImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "YAML 전략을 데이터베이스에 저장",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if a.db == nil {
			return fmt.Errorf("strategy import requires DATABASE_URL")
		}
		store := strategystore.NewPostgresStore(a.db.Pool, a.library)

		for _, path := range args {
			s, _, err := strategystore.LoadFile(path)
			if err != nil {
				return err
			}
			if err := strategystore.Bind(a.library, s); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := store.Save(cmd.Context(), s); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			hash, err := strategystore.Hash(s)
			if err != nil {
				return err
			}
			PrintSuccess(fmt.Sprintf("Imported %s (%s)", s.ID, hash[:12]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(strategyCmd)
	strategyCmd.AddCommand(strategyListCmd, strategyImportCmd)
}
