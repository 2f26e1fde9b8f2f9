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

	"github.com/cuemby/lci/pkg/cache"
	"github.com/cuemby/lci/pkg/config"
	"github.com/cuemby/lci/pkg/job"
	"github.com/cuemby/lci/pkg/log"
	"github.com/cuemby/lci/pkg/metrics"
	"github.com/cuemby/lci/pkg/spec"
	"github.com/cuemby/lci/pkg/vcs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lci",
	Short: "lci runs a declared set of tests against the revisions of a git repository",
	Long: `lci is a local continuous-integration engine: it watches a
repository's checked-out revisions, runs a user-declared graph of tests
against them, caches results by content, and respects declared
dependencies and shared resources.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lci version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stdout,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve a test configuration and run it against a repository's current revision",
	Long: `run loads a test configuration, opens the target git repository,
primes the resource pool and worktree checkouts, then polls the
repository's HEAD on an interval, dispatching jobs for any (revision,
test) pair that isn't already cached or in flight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		repoPath, _ := cmd.Flags().GetString("repo")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		numWorkers, _ := cmd.Flags().GetInt("workers")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening configuration %q: %w", configPath, err)
		}
		defer f.Close()

		parsed, err := config.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing configuration: %w", err)
		}

		repo, err := vcs.Open(repoPath)
		if err != nil {
			return fmt.Errorf("opening repository %q: %w", repoPath, err)
		}

		db, err := cache.Open(cacheDir, log.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("opening result cache at %q: %w", cacheDir, err)
		}
		defer db.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mgr, err := job.New(ctx, job.Config{
			Repo:         repo,
			Tests:        parsed.Tests,
			Cache:        db,
			PoolTokens:   parsed.PoolTokens,
			NumWorktrees: parsed.NumWorktrees,
			NumWorkers:   numWorkers,
			Logger:       log.WithComponent("job"),
		})
		if err != nil {
			return fmt.Errorf("starting job manager: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("repo", true, "opened")
		metrics.RegisterComponent("pool", true, "primed")
		metrics.RegisterComponent("cache", true, "opened")

		collector := metrics.NewCollector(mgr)
		collector.Start()
		defer collector.Stop()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		poll := func() {
			rev, err := repo.Head(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "resolving HEAD: %v\n", err)
				return
			}
			if err := mgr.SetRevisions(ctx, []spec.RevisionId{rev}); err != nil {
				fmt.Fprintf(os.Stderr, "reconciling revisions: %v\n", err)
			}
		}
		poll()

		fmt.Println("lci is running. Press Ctrl+C to stop.")
		for {
			select {
			case <-ticker.C:
				poll()
			case <-sigCh:
				fmt.Println("\nshutting down...")
				cancel()
				mgr.Wait()
				return nil
			}
		}
	},
}

func init() {
	runCmd.Flags().String("config", "lci.yaml", "Path to the test configuration document")
	runCmd.Flags().String("repo", ".", "Path to the git repository under test")
	runCmd.Flags().String("cache-dir", "./.lci-cache", "Directory backing the result cache")
	runCmd.Flags().Int("workers", 4, "Number of concurrent job workers")
	runCmd.Flags().Duration("poll-interval", 2*time.Second, "Interval between HEAD polls")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain the result cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect REVISION TEST",
	Short: "Print the cached result for a (revision, test) pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		rev, test := args[0], args[1]

		db, err := cache.Open(cacheDir, log.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("opening result cache at %q: %w", cacheDir, err)
		}
		defer db.Close()

		result, err := db.CachedResult(cache.RevisionKey(rev), spec.TestName(test))
		if err != nil {
			return fmt.Errorf("reading cached result: %w", err)
		}
		if result == nil {
			fmt.Printf("no cached result for %s/%s\n", rev, test)
			return nil
		}

		fmt.Printf("revision: %s\n", rev)
		fmt.Printf("test:     %s\n", test)
		fmt.Printf("exit code: %d\n", result.ExitCode)
		if result.Signaled {
			fmt.Printf("signal:    %s\n", result.Signal)
		}
		fmt.Printf("duration:  %s\n", result.Duration)
		fmt.Printf("cached at: %s\n", result.CachedAt.Format(time.RFC3339))
		fmt.Printf("success:   %v\n", result.Success())
		return nil
	},
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune cached results older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		db, err := cache.Open(cacheDir, log.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("opening result cache at %q: %w", cacheDir, err)
		}
		defer db.Close()

		removed, err := db.Prune(olderThan)
		if err != nil {
			return fmt.Errorf("pruning result cache: %w", err)
		}

		fmt.Printf("removed %d cached result(s) older than %s\n", removed, olderThan)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheInspectCmd)
	cacheCmd.AddCommand(cacheGCCmd)

	cacheInspectCmd.Flags().String("cache-dir", "./.lci-cache", "Directory backing the result cache")
	cacheGCCmd.Flags().String("cache-dir", "./.lci-cache", "Directory backing the result cache")
	cacheGCCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of results to remove")
}
