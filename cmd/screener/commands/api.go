package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/factorscreen/internal/api"
	"github.com/wonny/factorscreen/internal/api/handlers"
	"github.com/wonny/factorscreen/internal/scheduler"
	"github.com/wonny/factorscreen/internal/scheduler/jobs"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다.

이 명령어는:
- 실행 제출/조회/취소 엔드포인트 제공
- 진행률 웹소켓 스트림 제공
- 캐시 정리 및 실행 기록 보존 스케줄러 실행

Endpoints:
  GET  /health                         - Health check
  GET  /metrics                        - Prometheus metrics
  POST /api/executions                 - 실행 제출
  GET  /api/executions/{id}/progress   - 진행률
  GET  /api/executions/{id}/logs       - 실행 로그
  POST /api/executions/{id}/cancel     - 실행 취소
  GET  /api/executions/{id}/result     - 결과
  GET  /api/executions/{id}/stream     - 진행률 스트림 (websocket)
  GET  /api/strategies                 - 전략 목록

Example:
  go run ./cmd/screener api
  go run ./cmd/screener api --port 8080`,
	RunE: runAPIServer,
}

var (
	apiPort      string
	apiScheduler bool
)

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본값: PORT)")
	apiCmd.Flags().BoolVar(&apiScheduler, "scheduler", true, "유지보수 스케줄러 실행")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Factor Screen API Server ===")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, log := a.cfg, a.log
	if apiPort != "" {
		cfg.Port = apiPort
	}

	// Maintenance jobs
	if apiScheduler {
		sched := scheduler.New(log)
		for _, job := range []scheduler.Job{
			jobs.NewCacheSweepJob(a.cache, log),
			jobs.NewRetentionJob(a.coordinator.Registry(), cfg.Engine.ExecutionRetention, log),
		} {
			if err := sched.AddJob(job); err != nil {
				return fmt.Errorf("register job %s: %w", job.Name(), err)
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	router := api.NewRouter(api.RouterConfig{
		Executions:     handlers.NewExecutionHandler(a.coordinator, log),
		Strategies:     handlers.NewStrategyHandler(a.strategies, a.analyzer, log),
		MetricsEnabled: cfg.MetricsEnabled,
	}, log)
	server := api.New(cfg, log, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-quit:
	}

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
