package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/db"
	"github.com/Kocoro-lab/orchestra/internal/health"
	"github.com/Kocoro-lab/orchestra/internal/httpapi"
	"github.com/Kocoro-lab/orchestra/internal/orchestrator"
)

var (
	runContext  map[string]string
	runTimeout  time.Duration
	validateRaw bool
	runsLimit   int
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Orchestrate one request and print its outcome as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate <request>",
	Short: "Decompose a request and print its workflow without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestration API, event streams, metrics and health",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List stored runs, or show one with its steps",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	runCmd.Flags().StringToStringVar(&runContext, "context", nil, "caller context passed to every agent (key=value,...)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "bound the whole run (0 = no bound)")
	validateCmd.Flags().BoolVar(&validateRaw, "json", false, "print the plan as JSON")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to list")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	a, err := loadApp(ctx, appOptions{persist: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	callerContext := make(map[string]interface{}, len(runContext))
	for k, v := range runContext {
		callerContext[k] = v
	}
	run, err := a.orch.Run(ctx, strings.Join(args, " "), callerContext)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"run_id":      run.ID,
		"workflow_id": run.Workflow.ID,
		"pattern":     run.Decomposition.Pattern,
		"ambiguous":   run.Decomposition.Ambiguous,
		"mode":        run.Workflow.Mode,
		"duration_ms": run.Duration.Milliseconds(),
		"context":     run.Context,
		"outcome":     run.Outcome,
	})
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	request := strings.Join(args, " ")
	d, wf, err := a.orch.Plan(cmd.Context(), request)
	if err != nil {
		return err
	}
	view := orchestrator.DescribePlan(d, wf)
	if validateRaw {
		return printJSON(cmd.OutOrStdout(), view)
	}
	return printPlan(cmd.OutOrStdout(), view)
}

func printPlan(out io.Writer, view orchestrator.PlanView) error {
	fmt.Fprintf(out, "pattern: %s", view.Pattern)
	if view.Ambiguous {
		fmt.Fprint(out, " (ambiguous, default-routed)")
	}
	fmt.Fprintf(out, "\nmode:    %s\n\n", view.Mode)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tCAPABILITY\tAGENT\tDEPENDS ON\tGROUP\tTIMEOUT\tRETRIES")
	for _, s := range view.Steps {
		deps := strings.Join(s.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID, s.Capability, s.Agent, deps, s.ParallelGroup,
			time.Duration(s.TimeoutMs)*time.Millisecond, s.MaxRetries)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\ngroups:")
	for i, g := range view.Groups {
		fmt.Fprintf(out, "  %d: %s\n", i+1, strings.Join(g, ", "))
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context(), appOptions{persist: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	if a.store == nil {
		return errors.New("run persistence is disabled: set store.dsn")
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := a.store.LoadRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		steps, err := a.store.LoadSteps(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(out, map[string]interface{}{"run": rec, "steps": steps})
	}

	runs, err := a.store.RecentRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	return printRuns(out, runs)
}

func printRuns(out io.Writer, runs []db.RunRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tPATTERN\tMODE\tOK\tFAILED\tSKIPPED\tDURATION\tREQUEST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Pattern, r.Mode,
			r.Succeeded, r.Failed, r.Skipped,
			time.Duration(r.DurationMs)*time.Millisecond, strconv.Quote(r.Request))
	}
	return tw.Flush()
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, appOptions{persist: true, watchIntents: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger := a.logger

	checks := health.NewManager(logger)
	if err := checks.RegisterChecker(health.NewAgentBreakerChecker(a.breakers)); err != nil {
		return err
	}
	if a.redis != nil {
		if err := checks.RegisterChecker(health.NewRedisHealthChecker(a.redis)); err != nil {
			return err
		}
	}
	var runs httpapi.RunStore
	if a.store != nil {
		runs = a.store
		if err := checks.RegisterChecker(health.NewDatabaseHealthChecker(a.store)); err != nil {
			return err
		}
	}

	logger.Info("Health checks registered", zap.Strings("checks", checks.Names()))

	apiMux := http.NewServeMux()
	httpapi.NewOrchestrateHandler(a.orch, runs, a.cfg.Server.RequestTimeout, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(a.events, logger).RegisterRoutes(apiMux)
	health.NewHTTPHandler(checks, logger).RegisterRoutes(apiMux)
	servers := []*http.Server{{
		Addr:              a.cfg.Server.Addr,
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
	}}

	if a.cfg.Metrics.Enabled {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", promhttp.Handler())
		health.NewHTTPHandler(checks, logger).RegisterRoutes(adminMux)
		servers = append(servers, &http.Server{
			Addr:              ":" + strconv.Itoa(a.cfg.Metrics.Port),
			Handler:           adminMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("Listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Server shutdown", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
