// Package main содержит операторскую утилиту vouchermart: ручной запуск фоновых задач
// и просмотр пулов ваучеров.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/config"
	"github.com/mmeshcher/vouchermart/internal/expiry"
	"github.com/mmeshcher/vouchermart/internal/gateway"
	"github.com/mmeshcher/vouchermart/internal/repository"
	"github.com/mmeshcher/vouchermart/internal/service"
	"github.com/mmeshcher/vouchermart/internal/sweeper"
)

var errReportHasFailures = errors.New("run finished with failures")

var (
	databaseFlag string
	verboseFlag  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voucherctl",
		Short:         "Operator tool for the vouchermart service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&databaseFlag, "database", "d", "", "database URI (overrides DATABASE_URI)")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log every processed order")

	root.AddCommand(reapCmd(), reconcileCmd(), poolCmd())
	return root
}

type env struct {
	cfg    *config.Config
	repo   *repository.PostgresRepository
	logger *zap.Logger
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if databaseFlag != "" {
		cfg.DatabaseURI = databaseFlag
	}
	if cfg.DatabaseURI == "" {
		return nil, errors.New("DATABASE_URI or --database is required")
	}

	logger := zap.NewNop()
	if verboseFlag {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &env{cfg: cfg, repo: repo, logger: logger}, nil
}

func (e *env) close() {
	_ = e.repo.Close()
	_ = e.logger.Sync()
}

func (e *env) sweepOptions() []sweeper.Option {
	return []sweeper.Option{
		sweeper.WithLogger(e.logger),
		sweeper.WithBatchSize(e.cfg.SweepBatchSize),
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Cancel abandoned pending orders once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			job := sweeper.NewReaper(e.repo, e.cfg.AbandonAfter, e.sweepOptions()...)
			return runJob(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Heal paid orders with missing payment data or credentials once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			var payments sweeper.PaymentLookup
			if e.cfg.PaymentGatewayAddress != "" {
				payments = gateway.NewClient(e.cfg.PaymentGatewayAddress)
			}
			job := sweeper.NewScanner(e.repo, expiry.NewCalculator(e.cfg.Location), payments, e.sweepOptions()...)
			return runJob(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}
}

func poolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool <plan-id>",
		Short: "Show assigned and free credential counts for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || planID <= 0 {
				return fmt.Errorf("invalid plan id %q", args[0])
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			svc := service.NewService(e.repo, expiry.NewCalculator(e.cfg.Location), service.WithLogger(e.logger))
			stats, err := svc.PoolStats(cmd.Context(), planID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				PlanID   int64 `json:"plan_id"`
				Assigned int   `json:"assigned"`
				Free     int   `json:"free"`
				Total    int   `json:"total"`
			}{stats.PlanID, stats.Assigned, stats.Free, stats.Total()})
		},
	}
}

func runJob(ctx context.Context, out io.Writer, job sweeper.Job) error {
	report, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Name(), err)
	}
	if err := printJSON(out, report); err != nil {
		return err
	}
	if report.Failed() {
		return errReportHasFailures
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
