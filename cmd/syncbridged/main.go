// Command syncbridged runs the event ingestion and reconciliation core:
// webhook ingress, per-source pollers, the dispatcher, and the webhook
// lifecycle manager, or a handful of one-shot operational subcommands.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/syncbridge-dev/syncbridge/internal/attachments"
	"github.com/syncbridge-dev/syncbridge/internal/checkpoint"
	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/config"
	"github.com/syncbridge-dev/syncbridge/internal/dispatcher"
	"github.com/syncbridge-dev/syncbridge/internal/handlers"
	"github.com/syncbridge-dev/syncbridge/internal/identity"
	"github.com/syncbridge-dev/syncbridge/internal/ingress"
	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/migrate"
	"github.com/syncbridge-dev/syncbridge/internal/poller"
	"github.com/syncbridge-dev/syncbridge/internal/queue"
	"github.com/syncbridge-dev/syncbridge/internal/store"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
	"github.com/syncbridge-dev/syncbridge/internal/webhooks"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: syncbridged <serve|backfill|status|validate> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "backfill":
		err = runBackfill(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) logging.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	return logging.New(level)
}

func runValidate(args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrate.Status(db); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	fmt.Println("configuration OK")
	return nil
}

func runStatus(args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	q, err := queue.NewPostgresQueue(cfg.DBDSN, queue.Options{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	depth, err := q.Depth(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(depth)
}

func runBackfill(args []string) error {
	fs := pflag.NewFlagSet("backfill", pflag.ExitOnError)
	source := fs.String("source", "", "source to backfill: T, M, or C")
	if err := fs.Parse(args); err != nil {
		return err
	}
	src := syncmodel.Source(*source)
	if !src.Valid() {
		return fmt.Errorf("invalid --source %q", *source)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	q, err := queue.NewPostgresQueue(cfg.DBDSN, queue.Options{MaxAttempts: cfg.MaxQueueAttempts, RetryDelay: cfg.SpoolRetrySeconds})
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewPostgresStore(cfg.DBDSN)
	if err != nil {
		return err
	}

	client, pcfg, err := buildClientAndConfig(cfg, src)
	if err != nil {
		return err
	}
	p := poller.New(src, client, checkpoints, q, pcfg, log)
	return p.RunCycle(context.Background())
}

func buildClientAndConfig(cfg config.Config, src syncmodel.Source) (clients.UpstreamClient, poller.Config, error) {
	switch src {
	case syncmodel.SourceTasks:
		c := clients.NewTaskClient(cfg.TaskBaseURL, cfg.TaskAPIKey, cfg.TaskRateLimitPerSec)
		return c, poller.Config{Interval: cfg.PeriodicBackfillInterval, Overlap: cfg.BackfillOverlap, ProcessAfter: cfg.TaskProcessAfter}, nil
	case syncmodel.SourceMail:
		c := clients.NewMailClient(clients.DefaultMailBaseURL, cfg.MailAPIToken, cfg.MailRateLimitPerSec)
		return c, poller.Config{Interval: cfg.PeriodicBackfillInterval, Overlap: cfg.BackfillOverlap, ProcessAfter: cfg.MailProcessAfter, SeedLookback: 30 * 24 * time.Hour}, nil
	case syncmodel.SourceDocs:
		if !cfg.DocEnabled() {
			return nil, poller.Config{}, fmt.Errorf("source C is not configured (C_BASE_URL unset)")
		}
		c := clients.NewDocClient(cfg.DocBaseURL, "", cfg.DocRateLimitPerSec)
		return c, poller.Config{Interval: cfg.PeriodicBackfillInterval, Overlap: cfg.BackfillOverlap}, nil
	default:
		return nil, poller.Config{}, fmt.Errorf("unsupported source %q", src)
	}
}

func runServe(args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := migrate.Up(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_ = db.Close() // component-owned pools (queue/checkpoint/sink) open their own lazily

	q, err := queue.NewPostgresQueue(cfg.DBDSN, queue.Options{MaxAttempts: cfg.MaxQueueAttempts, RetryDelay: cfg.SpoolRetrySeconds})
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewPostgresStore(cfg.DBDSN)
	if err != nil {
		return err
	}
	sink, err := store.NewPostgresSink(cfg.DBDSN, cfg.AttachmentStagingEnabled())
	if err != nil {
		return err
	}

	taskClient := clients.NewTaskClient(cfg.TaskBaseURL, cfg.TaskAPIKey, cfg.TaskRateLimitPerSec)
	mailClient := clients.NewMailClient(clients.DefaultMailBaseURL, cfg.MailAPIToken, cfg.MailRateLimitPerSec)

	// C6 asks the sink, not the process config, whether attachments need
	// staging: RequiresStagedAttachments is the sink's own capability flag.
	var stager attachments.Stager
	if sink.RequiresStagedAttachments() {
		s3Stager, err := attachments.NewS3Stager(ctx, cfg.AttachmentS3Bucket, "attachments")
		if err != nil {
			log.Warn(ctx, "attachment staging disabled", "error", err)
		} else {
			stager = s3Stager
		}
	}

	idResolver := identity.FuncResolver{
		identity.Key(syncmodel.SourceTasks, "user"): taskClient.ResolveUser,
		identity.Key(syncmodel.SourceTasks, "tag"):  taskClient.ResolveTag,
	}
	idCache := identity.New(idResolver, cfg.IdentityCacheTTL, cfg.IdentityCacheSnapshotPath)

	pollInterval := cfg.PeriodicBackfillInterval
	if cfg.DisableWebhooks {
		pollInterval = 5 * time.Second // safety-net cadence tightens with no webhooks (spec.md §4.5)
	}

	hs := map[syncmodel.Source]handlers.Handler{
		syncmodel.SourceTasks: handlers.NewTaskHandler(taskClient, idCache, cfg.TaskProcessAfter),
		syncmodel.SourceMail:  handlers.NewMailHandler(mailClient, stager, cfg.MailProcessAfter),
	}
	pollers := []*poller.Poller{
		poller.New(syncmodel.SourceTasks, taskClient, checkpoints, q, poller.Config{Interval: pollInterval, Overlap: cfg.BackfillOverlap, ProcessAfter: cfg.TaskProcessAfter}, log),
		poller.New(syncmodel.SourceMail, mailClient, checkpoints, q, poller.Config{Interval: pollInterval, Overlap: cfg.BackfillOverlap, ProcessAfter: cfg.MailProcessAfter, SeedLookback: 30 * 24 * time.Hour}, log),
	}

	if cfg.DocEnabled() {
		docClient := clients.NewDocClient(cfg.DocBaseURL, "", cfg.DocRateLimitPerSec)
		hs[syncmodel.SourceDocs] = handlers.NewDocHandler(docClient, idCache)
		pollers = append(pollers, poller.New(syncmodel.SourceDocs, docClient, checkpoints, q, poller.Config{Interval: pollInterval, Overlap: cfg.BackfillOverlap}, log))
	}

	if !cfg.DisableWebhooks && cfg.PublicURLFile != "" {
		webhookStore, err := webhooks.NewPostgresStore(cfg.DBDSN)
		if err != nil {
			return err
		}
		manager := webhooks.New(webhookStore, []webhooks.SourceConfig{
			{Source: syncmodel.SourceTasks, Registrar: taskClient, Events: []string{"task.created", "task.updated", "task.deleted"}},
			{Source: syncmodel.SourceMail, Registrar: mailClient, Events: []string{"message.created", "message.updated", "message.trashed"}},
		}, log)
		url, readErr := os.ReadFile(cfg.PublicURLFile)
		if readErr == nil {
			manager.ReconcileAll(ctx, string(url))
		}
		go func() {
			if err := manager.WatchPublicURLFile(ctx, cfg.PublicURLFile); err != nil {
				log.Warn(ctx, "public url watcher stopped", "error", err)
			}
		}()
	}

	d := dispatcher.New(q, sink, hs, dispatcher.Config{}, log)
	go d.Run(ctx)
	for _, p := range pollers {
		go p.Run(ctx)
	}

	server := ingress.NewServer(q, sink, ingress.Config{
		Auth: map[syncmodel.Source]ingress.SourceAuth{
			syncmodel.SourceTasks: {Secret: cfg.TaskWebhookSecret},
			syncmodel.SourceMail:  {Secret: cfg.MailWebhookSecret},
		},
		AdminSecret: cfg.AdminJWTSecret,
	}, log)

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.AppPort), Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "syncbridged listening", "port", cfg.AppPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
