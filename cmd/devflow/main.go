// Package main provides the devflow binary: the workflow orchestrator, job
// dispatcher and HTTP control surface in one process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/config"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

const (
	Version = "0.1.0"
	appName = "devflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	dbPath     string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Task workflow orchestrator and job dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite DB path")

	cmd.AddCommand(serveCmd(&g), migrateCmd(&g), enqueueCmd(&g), versionCmd())
	return cmd
}

// loadConfig applies the file, then any flags the user set.
func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, err := config.Load(g.configPath, false)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.dbPath != "" {
		cfg.Storage.Path = g.dbPath
	}
	setupLogging(cfg.Log)
	return cfg, cfg.Validate()
}

func setupLogging(c config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr    string
		workers int
		poll    time.Duration
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher, scheduler and workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Queue.Workers = workers
			}
			if cmd.Flags().Changed("poll") {
				cfg.Queue.PollInterval = poll
			}
			if cmd.Flags().Changed("debug") {
				cfg.Server.Debug = debug
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP bind address")
	cmd.Flags().IntVar(&workers, "workers", 1, "number of jobs processed concurrently")
	cmd.Flags().DurationVar(&poll, "poll", 5*time.Second, "poll interval for the queue")
	cmd.Flags().BoolVar(&debug, "debug", false, "expose pprof under /debug/pprof")
	return cmd
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			log.Info().Str("db", cfg.Storage.Path).Str("queue_driver", cfg.Queue.Driver).Msg("schema up to date")
			return nil
		},
	}
}

func enqueueCmd(g *globalFlags) *cobra.Command {
	var (
		payload  string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job-type>",
		Short: "Add a job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			req := queue.JobRequest{Type: domain.JobType(args[0]), Payload: json.RawMessage(payload), Priority: priority}
			if _, err := queue.DecodePayload(req.Type, req.Payload); err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			job, err := a.jobs.AddTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "job payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultJobPriority, "priority from 1 (lowest) to 10")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	}
}
