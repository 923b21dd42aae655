package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/api"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/config"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/dispatcher"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/handlers/analyze"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/handlers/codegen"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/handlers/commit"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/handlers/decompose"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/metrics"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/scheduler"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/store"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

// app holds the opened storage shared by every command.
type app struct {
	db        *sql.DB
	pool      *pgxpool.Pool
	tasks     *store.SQLiteStore
	jobs      queue.Repository
	schedules *queue.SQLiteRepo
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{db: db}
	if err := store.EnsureSchema(db); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure task schema: %w", err)
	}
	if err := queue.EnsureSchema(db); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	a.tasks = store.NewSQLiteStore(db)
	a.schedules = queue.NewSQLiteRepo(db)
	a.jobs = a.schedules

	if cfg.Queue.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		pg := queue.NewPostgresRepo(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("ensure postgres queue schema: %w", err)
		}
		a.jobs = pg
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("close db")
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if n, err := a.jobs.RecoverStale(ctx, cfg.Queue.StaleAfter); err != nil {
		log.Warn().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale processing jobs")
	}

	bus := events.NewBus()
	defer bus.Close()

	contexts := contextstore.New(a.tasks)
	defer contexts.Wait()

	steps := workflow.NewSteps()
	if cfg.Collaborators.StepsURL != "" {
		client := collab.NewHTTPStepClient(cfg.Collaborators.StepsURL, cfg.Collaborators.Timeout, cfg.Collaborators.Headers)
		if err := client.Register(steps); err != nil {
			return err
		}
	}
	sup := workflow.NewSupervisor(a.tasks, contexts, steps, bus,
		workflow.WithLeaser(a.tasks, cfg.LeaseOwner(), cfg.Workflow.LeaseTTL),
		workflow.WithMaxLive(cfg.Workflow.MaxLive),
	)
	if n, err := sup.RecoverInterrupted(ctx); err != nil {
		log.Warn().Err(err).Msg("recover interrupted workflows")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("paused workflows interrupted by the last shutdown")
	}

	disp := dispatcher.New(a.jobs, bus, dispatcher.Options{
		PollInterval: cfg.Queue.PollInterval,
		Concurrency:  cfg.Queue.Workers,
		JobTimeout:   cfg.Queue.JobTimeout,
	})
	disp.Register(domain.JobDecompose, decompose.Decompose{Workflows: sup})
	disp.Register(domain.JobGenerateCode, codegen.GenerateCode{
		Generator: collab.NewHTTPCodeGenerator(cfg.Collaborators.CodegenURL, cfg.Collaborators.Timeout, cfg.Collaborators.Headers),
		Contexts:  contexts,
	})
	disp.Register(domain.JobCommitCode, commit.CommitCode{VCS: collab.NewGit(cfg.Collaborators.RepoPath), Artifacts: contexts})
	disp.Register(domain.JobAnalyzeProject, analyze.AnalyzeProject{Analyzer: collab.NewFSAnalyzer(), Artifacts: contexts})

	sched := scheduler.NewService(a.schedules, disp, cfg.Scheduler.CheckInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServerWithDebug(api.Deps{
			Tasks:     a.tasks,
			Workflows: sup,
			Contexts:  contexts,
			Jobs:      a.jobs,
			Enqueuer:  disp,
			Schedules: a.schedules,
			Scheduler: sched,
			Gatherer:  reg,
		}, cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var forwarder *events.NATSForwarder
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, appName)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		forwarder = events.NewNATSForwarder(nc, cfg.Events.SubjectPrefix)
		log.Info().Str("url", cfg.Events.NATSURL).Str("prefix", cfg.Events.SubjectPrefix).Msg("forwarding events to nats")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx, bus) })
	g.Go(func() error { return collector.PollQueue(gctx, a.jobs, 15*time.Second) })
	if forwarder != nil {
		sub := bus.Subscribe(events.TopicAll, 1024)
		g.Go(func() error {
			defer sub.Close()
			forwarder.Run(gctx, sub)
			return nil
		})
	}
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("workflows did not stop in time")
		}
		return nil
	})

	return g.Wait()
}
