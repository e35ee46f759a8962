// Command calltally runs a synthetic instrumented workload against the
// profiler. It exists for integration verification: it produces the
// profiler's input (hook calls) and output file; it does not analyze
// the output. Real targets ingest through the hook ABI injected by an
// instrumentation pass, not through this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/calltally/calltally/internal/count"
	"github.com/calltally/calltally/internal/migrate"
	"github.com/calltally/calltally/internal/profiler"
	"github.com/calltally/calltally/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	threads   int
	calls     int
	functions int
	pprofMode string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calltally",
		Short: "Exercise the call-count profiler with a synthetic workload",
		Long: `calltally spawns instrumented worker threads that enter a set
of synthetic functions, then flushes their counts into the shared
output file. Use it to verify a deployment's output path, exporters,
and file format end to end.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (optional, env still applies)",
	)
	cmd.Flags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)
	cmd.Flags().IntVar(
		&threads, "threads", 4,
		"number of worker threads",
	)
	cmd.Flags().IntVar(
		&calls, "calls", 1000,
		"function entries per worker",
	)
	cmd.Flags().IntVar(
		&functions, "functions", 16,
		"number of distinct synthetic functions",
	)
	cmd.Flags().StringVar(
		&pprofMode, "pprof", "",
		"profile the profiler itself (cpu, mem)",
	)

	cmd.AddCommand(versionCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func migrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ClickHouse call_counts schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()

			return migrate.New(log, dsn).Up(cmd.Context())
		},
	}

	cmd.Flags().StringVar(
		&dsn, "dsn", "",
		"ClickHouse DSN (e.g. clickhouse://localhost:9000/profiling)",
	)

	if err := cmd.MarkFlagRequired("dsn"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var cfg *profiler.Config

	if cfgFile != "" {
		loaded, err := profiler.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cfg = loaded
	} else {
		cfg = profiler.DefaultConfig()
	}

	cfg.ApplyEnvironment()

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	switch pprofMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	default:
		return fmt.Errorf("unknown pprof mode %q", pprofMode)
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	p, err := profiler.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating profiler: %w", err)
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting profiler: %w", err)
	}

	log.WithFields(logrus.Fields{
		"output":    p.OutputPath(),
		"threads":   threads,
		"calls":     calls,
		"functions": functions,
	}).Info("Running synthetic workload")

	dones := make([]<-chan struct{}, 0, threads)

	for range threads {
		dones = append(dones, p.Go(func(th *profiler.Thread) {
			for i := range calls {
				fn := count.FunctionID(0x400000 + 0x10*(i%functions))

				th.Enter(fn, 0)
				th.Exit(fn, 0)
			}
		}))
	}

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fields := logrus.Fields{}
	for st, v := range p.Stats().Snapshot() {
		fields[st.String()] = v
	}

	log.WithFields(fields).Info("Workload complete")

	if err := p.Close(); err != nil {
		return fmt.Errorf("closing profiler: %w", err)
	}

	return nil
}
