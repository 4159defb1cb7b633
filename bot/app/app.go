// Package app wires storage, the GitHub client, the publish engine and the
// session machine into a runnable Telegram bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/config"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/publish"
	"github.com/m3rciful/gitpush/bot/session"
	"github.com/m3rciful/gitpush/bot/shell"
	"github.com/m3rciful/gitpush/core/bootstrap"
	coreconfig "github.com/m3rciful/gitpush/core/config"
	coredatabase "github.com/m3rciful/gitpush/core/database"
	"github.com/m3rciful/gitpush/core/health"
	"github.com/m3rciful/gitpush/core/logger"
	coretelegram "github.com/m3rciful/gitpush/core/telegram"
	"github.com/m3rciful/gitpush/core/telegram/router"
	"github.com/m3rciful/gitpush/core/telegram/ui"
	"github.com/m3rciful/gitpush/migrations"
)

const component = "app"

// MigrationsDir is the directory of migrations.FS holding the schema.
const MigrationsDir = "."

// Options overrides infrastructure steps. Zero values use the real ones.
type Options struct {
	LoggerInit func(*coreconfig.Config) error
}

// App is the running bot.
type App struct {
	cfg      *config.Config
	infra    *bootstrap.Result
	accounts *accounts.Service
	github   *github.Client
	machine  *session.Machine
	shell    *shell.Shell
	health   *health.Server

	stopSweep context.CancelFunc
	closeOnce sync.Once
}

// Bootstrap builds the app from cfg.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	return BootstrapWith(ctx, cfg, Options{})
}

// BootstrapWith is Bootstrap with overridable infrastructure steps.
func BootstrapWith(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	var db *coredatabase.Config
	if cfg.UsesPostgres() {
		db = &cfg.Database
	}
	infra, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:        cfg.CoreConfig(),
		Database:      db,
		Migrations:    migrations.FS,
		MigrationsDir: MigrationsDir,
		LoggerInit:    opts.LoggerInit,
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, infra: infra}
	if err := a.build(ctx); err != nil {
		_ = infra.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	var repo accounts.Repository
	switch {
	case cfg.UsesPostgres():
		repo = accounts.NewPostgresRepository(a.infra.DB)
	default:
		bolt, err := accounts.OpenBolt(cfg.Storage.BoltPath)
		if err != nil {
			return fmt.Errorf("app: open bolt store: %w", err)
		}
		repo = bolt
	}
	logger.Info(ctx, component, "storage", slog.String("status", "ok"), slog.String("driver", cfg.Storage.Driver))

	sealer, err := accounts.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		_ = repo.Close()
		return fmt.Errorf("app: %w", err)
	}
	if !sealer.Enabled() {
		logger.Warn(ctx, component, "tokens.unsealed", slog.String("cause", "security.encryption_key is empty"))
	}

	gh, err := github.New(github.Options{
		BaseURL:   cfg.GitHub.APIURL,
		UserAgent: cfg.GitHub.UserAgent,
		Timeout:   time.Duration(cfg.GitHub.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		_ = repo.Close()
		return fmt.Errorf("app: %w", err)
	}
	a.github = gh
	a.accounts = accounts.NewService(repo, gh, sealer)

	a.shell = shell.New(shell.Options{
		Accounts: a.accounts,
		Repos:    gh,
		AdminID:  cfg.Telegram.AdminID,
	})
	a.machine = session.New(session.Deps{
		Credentials: a.accounts,
		Publisher:   publish.New(gh, publish.Options{BlobConcurrency: cfg.GitHub.BlobConcurrency}),
		Repos:       gh,
		Extractor: archive.New(archive.Options{
			ScratchDir:    cfg.Archive.ScratchDir,
			MaxFiles:      cfg.Archive.MaxFiles,
			MaxTotalBytes: cfg.Archive.MaxTotalBytes,
		}),
		Broadcaster: a.shell,
		Notifier:    a.shell,
	}, session.Options{
		IdleTimeout:    cfg.Session.IdleTimeout(),
		SweepInterval:  cfg.Session.SweepInterval(),
		PublishRetries: cfg.Session.PublishRetries,
		RetryBackoff:   cfg.Session.RetryBackoff(),
		MaxUploadBytes: cfg.Archive.MaxUploadBytes,
	})
	a.shell.SetFlows(a.machine)

	if cfg.Health.Listen != "" {
		a.health = health.New(cfg.Health.Listen, health.Check{Name: "storage", Fn: a.accounts.Ping})
	}
	return nil
}

// TelegramRunOptions registers handlers and returns the run options.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	core := a.cfg.CoreConfig()
	reg := coretelegram.NewRegistry()
	if err := a.shell.Register(reg); err != nil {
		return coretelegram.RunOptions{}, err
	}
	textOpts := ui.Install(reg, a.shell)

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID:       core.Telegram.AdminID,
		OnAdminReject: a.shell.OnAdminReject,
	})
	routes = append(routes, router.CallbackRoute(reg))
	routes = append(routes, router.TextRoutes(a.shell, reg, textOpts)...)

	return coretelegram.RunOptions{
		Config:      core,
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(core, a.shell.OnLimited, a.shell.Blocked),
		Routes:      routes,
		OnStart:     a.onStart,
		OnStop:      a.onStop,
	}, nil
}

func (a *App) onStart(ctx context.Context, rt coretelegram.Runtime) error {
	a.shell.Attach(rt.Bot)

	sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSweep = stop
	go a.machine.Run(sweepCtx)

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			stop()
			return fmt.Errorf("app: health listener: %w", err)
		}
	}
	return nil
}

func (a *App) onStop(ctx context.Context, _ coretelegram.Runtime) error {
	if a.stopSweep != nil {
		a.stopSweep()
	}
	var errs []error
	if a.health != nil {
		errs = append(errs, a.health.Shutdown(ctx))
	}
	errs = append(errs, a.machine.Close())
	logger.Info(ctx, component, "sessions.closed", slog.Int("count", a.machine.Active()))
	return errors.Join(errs...)
}

// Close releases the machine, storage and database pool.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.stopSweep != nil {
			a.stopSweep()
		}
		err = errors.Join(a.machine.Close(), a.accounts.Close(), a.infra.Close())
	})
	return err
}
