/*
main.go - Application entry point

PURPOSE:
  The compengine CLI. Subcommands:

  serve          Start the HTTP API server with the run scheduler
  run <month>    Calculate (or recalculate) the payout run for a month
  fnf <emp> <date>   Open a departure settlement and calculate tranche 1
  plan validate <file>   Validate a YAML plan definition

STARTUP SEQUENCE (serve):
  1. Load configuration from environment / .env
  2. Open the SQLite store
  3. Build the authorization service
  4. Wire handlers, router, and the run scheduler
  5. Start the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the database connection

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL, GO_APP_ENV, AUTHZ_MODE, AUTHZ_POLICY_PATH,
  SCHEDULER_ENABLED, SCHEDULER_HOUR_UTC, FNF_GRACE_DAYS
  (see config/config.go)

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Automatic draft-run creation
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/comp-engine/api"
	"github.com/warp/comp-engine/authz"
	"github.com/warp/comp-engine/config"
	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/plan"
	"github.com/warp/comp-engine/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "compengine",
	Short: "Sales compensation payout engine",
	Long:  "Calculates monthly variable pay, commissions, clawbacks, and departure settlements.",
}

func main() {
	rootCmd.AddCommand(serveCmd(), runCmd(), fnfCmd(), planCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads config and opens the store; the caller owns Close.
func bootstrap() (*config.Configuration, *sqlite.Store, error) {
	cfg, err := config.Use()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration: %w", err)
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()
			log := cfg.Logger()

			az, err := authz.NewService(authz.Config{
				Mode:       authz.Mode(cfg.AuthzMode),
				PolicyPath: cfg.AuthzPolicyPath,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("authz: %w", err)
			}

			handler := api.NewHandler(store, store, az, log)
			router := api.NewRouter(handler)

			scheduler := api.NewRunScheduler(handler.Orchestrator, log)
			scheduler.Enabled = cfg.SchedulerEnabled
			scheduler.HourUTC = cfg.SchedulerHourUTC
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:         cfg.SocketAddress,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				log.WithField("addr", cfg.SocketAddress).Info("server starting")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Fatal("server failed")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("forced shutdown: %w", err)
			}
			log.Info("server stopped")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <month>",
		Short: "Calculate the payout run for a month (YYYY-MM)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()

			month, err := engine.ParseMonth(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			o := engine.NewOrchestrator(store, store, cfg.Logger())

			run, err := store.RunForMonth(ctx, month)
			if engine.IsNotFound(err) {
				run, err = o.CreateRun(ctx, month, "cli")
			}
			if err != nil {
				return err
			}

			res, err := o.Calculate(ctx, run.ID, "cli")
			if err != nil {
				return err
			}

			fmt.Printf("Run %s (%s) state=%s\n", res.Run.ID, month, res.Run.State)
			fmt.Printf("  total payout:      %s\n", res.Run.TotalPayoutUSD)
			fmt.Printf("  variable:          %s\n", res.Run.TotalVariableUSD)
			fmt.Printf("  commissions:       %s\n", res.Run.TotalCommissionsUSD)
			fmt.Printf("  clawback deductions: %s\n", res.Run.TotalClawbacksUSD)
			for _, f := range res.Failures {
				fmt.Printf("  SKIPPED %s: %s\n", f.EmployeeID, f.Reason)
			}
			return nil
		},
	}
}

func fnfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fnf <employee-id> <departure-date>",
		Short: "Open a departure settlement and calculate tranche 1",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()

			departure, err := time.Parse("2006-01-02", args[1])
			if err != nil {
				return fmt.Errorf("invalid departure date (YYYY-MM-DD): %w", err)
			}

			ctx := cmd.Context()
			se := engine.NewSettlementEngine(store)
			s, err := se.Open(ctx, engine.EmployeeID(args[0]), departure, cfg.FnfGraceDays)
			if err != nil {
				return err
			}
			s, err = se.CalculateTranche1(ctx, s.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Settlement %s for %s, departure %s\n", s.ID, s.EmployeeID, args[1])
			fmt.Printf("  tranche 1 total: %s\n", s.Tranche1.TotalUSD)
			for _, l := range s.Tranche1.Lines {
				fmt.Printf("    %-12s %s %s\n", l.Type, l.AmountUSD, l.Note)
			}
			fmt.Printf("  clawback carryforward: %s\n", s.ClawbackCarryforwardUSD)
			fmt.Printf("  tranche 2 eligible:    %s\n", s.Tranche2EligibleAt().Format("2006-01-02"))
			return nil
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan definition utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML plan definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("plan %s (%q, year %d) is valid: %d metrics, %d commission rules, %d spiffs\n",
				p.ID, p.Name, p.Year, len(p.Metrics), len(p.Commissions), len(p.Spiffs))
			return nil
		},
	})
	return cmd
}
