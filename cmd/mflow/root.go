package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bpradana/mflow"
	"github.com/bpradana/mflow/internal/config"
	"github.com/bpradana/mflow/internal/logging"
	"github.com/bpradana/mflow/internal/ui"
)

type rootOptions struct {
	logFormat string
	logLevel  string
	noColor   bool
}

type runOptions struct {
	backend       string
	workers       int
	fromScratch   bool
	monitor       bool
	pollInterval  time.Duration
	errorStrategy string
	metricsAddr   string
	jsonOut       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "mflow",
		Short: "Run dependency-graph workflows",
		Long: `mflow loads a workflow definition (TOML or YAML), builds the task graph
and runs it sequentially, on a goroutine pool or on worker processes,
optionally fusing linear chains into pipeline units.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "logfmt", "Log format: logfmt or json")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error, none")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(dotCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(funcsCmd())
	rootCmd.AddCommand(workerCmd())
	return rootCmd
}

func newRegistry() *mflow.Registry {
	reg := mflow.NewRegistry()
	reg.RegisterBuiltins()
	return reg
}

func loadWorkflow(path string) (*config.Definition, *mflow.Workflow, error) {
	def, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	wf, err := config.Build(def, newRegistry())
	if err != nil {
		return nil, nil, err
	}
	return def, wf, nil
}

func runCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a workflow definition and print its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(cmd.ErrOrStderr(), root.logFormat, root.logLevel)
			if err != nil {
				return err
			}

			def, wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			runOpts, err := def.Run.Options()
			if err != nil {
				return err
			}
			flagOpts, err := opts.overrides(cmd, def.Run)
			if err != nil {
				return err
			}
			runOpts = append(runOpts, flagOpts...)
			runOpts = append(runOpts, mflow.WithLogger(logger))

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			runOpts = append(runOpts, mflow.WithWorkerCommand(exe, "worker"))

			if opts.metricsAddr != "" {
				metrics, shutdown, err := serveMetrics(opts.metricsAddr, logger)
				if err != nil {
					return err
				}
				defer shutdown()
				runOpts = append(runOpts, mflow.WithMetrics(metrics))
			}

			res, runErr := wf.Run(cmd.Context(), runOpts...)
			if opts.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), res, runErr); err != nil {
					return err
				}
			} else {
				ui.PrintResults(cmd.OutOrStdout(), res)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&opts.backend, "backend", "", "Backend: sequential, threaded-parallel, process-parallel, pipelined-sequential, threaded-pipelined, process-pipelined")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Worker pool size (0 = number of CPUs)")
	cmd.Flags().BoolVar(&opts.fromScratch, "from-scratch", false, "Recompute every task")
	cmd.Flags().BoolVar(&opts.monitor, "monitor", false, "Show live node status instead of progress logs")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Coordinator wake-up interval")
	cmd.Flags().StringVar(&opts.errorStrategy, "error-strategy", "", "fail-fast or continue")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print outputs as JSON")
	return cmd
}

// overrides returns the options for every flag set on the command line. The
// monitor setting of the definition applies unless --monitor was given.
func (o *runOptions) overrides(cmd *cobra.Command, fromFile config.Run) ([]mflow.RunOption, error) {
	var out []mflow.RunOption
	flags := cmd.Flags()
	if flags.Changed("backend") {
		backend, err := mflow.ParseBackend(o.backend)
		if err != nil {
			return nil, err
		}
		out = append(out, mflow.WithBackend(backend))
	}
	if flags.Changed("workers") {
		out = append(out, mflow.WithWorkers(o.workers))
	}
	if flags.Changed("from-scratch") {
		out = append(out, mflow.FromScratch(o.fromScratch))
	}
	if flags.Changed("poll-interval") {
		out = append(out, mflow.WithPollInterval(o.pollInterval))
	}
	if flags.Changed("error-strategy") {
		strategy, err := mflow.ParseErrorStrategy(o.errorStrategy)
		if err != nil {
			return nil, err
		}
		out = append(out, mflow.WithErrorStrategy(strategy))
	}

	monitor := fromFile.Monitor
	if flags.Changed("monitor") {
		monitor = o.monitor
	}
	if monitor {
		w := cmd.ErrOrStderr()
		clear := false
		if f, ok := w.(*os.File); ok {
			clear = isatty.IsTerminal(f.Fd())
		}
		out = append(out, mflow.WithMonitor(ui.NewMonitor(w, clear)))
	}
	return out, nil
}

func serveMetrics(addr string, logger log.Logger) (*mflow.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := mflow.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "metrics server", "err", err)
		}
	}()
	level.Info(logger).Log("msg", "serving metrics", "addr", ln.Addr().String())

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return metrics, shutdown, nil
}

type jsonResult struct {
	RunID   string         `json:"run_id,omitempty"`
	Backend string         `json:"backend,omitempty"`
	Outputs map[string]any `json:"outputs"`
	Error   string         `json:"error,omitempty"`
}

func writeJSON(w io.Writer, res *mflow.Results, runErr error) error {
	out := jsonResult{Outputs: map[string]any{}}
	if res != nil {
		out.RunID = res.RunID
		out.Backend = string(res.Backend)
		out.Outputs = res.Outputs
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <definition>",
		Short: "Show the pipeline units the workflow fuses into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			pg, err := wf.Pipeline()
			if err != nil {
				return err
			}
			ui.PrintPlan(cmd.OutOrStdout(), wf, pg)
			return nil
		},
	}
}

func dotCmd() *cobra.Command {
	var (
		pipelined bool
		rankDir   string
	)
	cmd := &cobra.Command{
		Use:   "dot <definition>",
		Short: "Print the task graph in Graphviz DOT format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			opts := []mflow.DOTOption{mflow.DOTWithRankDir(rankDir)}
			if !pipelined {
				return wf.ExportDOT(cmd.OutOrStdout(), opts...)
			}
			pg, err := wf.Pipeline()
			if err != nil {
				return err
			}
			return pg.ExportDOT(cmd.OutOrStdout(), opts...)
		},
	}
	cmd.Flags().BoolVar(&pipelined, "pipelined", false, "Export the fused pipeline graph")
	cmd.Flags().StringVar(&rankDir, "rankdir", "LR", "Graph rank direction (LR, TB)")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			if _, err := wf.TopologicalOrder(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d tasks, %d outputs\n", ui.BoldGreen("ok"), len(def.Tasks), len(def.Outputs))
			return nil
		},
	}
}

func funcsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funcs",
		Short: "List the functions definitions can call",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ui.PrintFuncs(cmd.OutOrStdout(), newRegistry().Names())
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve worker-process requests on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mflow.ServeWorker(cmd.Context(), newRegistry(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
