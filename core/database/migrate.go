package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/m3rciful/gitpush/core/logger"
)

const migrateComponent = "db.migrate"

// RunMigrations applies all up migrations found in dir of fsys.
func RunMigrations(ctx context.Context, cfg Config, fsys fs.FS, dir string) error {
	if err := WaitReady(ctx, cfg.DSN(), 30*time.Second); err != nil {
		logger.Error(ctx, migrateComponent, "db.wait", slog.String("status", "fail"), slog.String("err", err.Error()))
		return fmt.Errorf("database not ready: %w", err)
	}

	files := upFiles(fsys, dir)
	preview, truncated := logger.SummarizeStrings(files, 6)
	logger.Debug(ctx, migrateComponent, "resolve",
		slog.Int("files", len(files)),
		slog.String("payload", preview),
		slog.Bool("truncated", truncated),
	)

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("open migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		logger.Error(ctx, migrateComponent, "init", slog.String("status", "fail"), slog.String("err", err.Error()))
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	from, _, _ := m.Version()
	start := time.Now()
	upErr := m.Up()
	took := time.Since(start)
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		logger.Error(ctx, migrateComponent, "apply",
			slog.String("status", "fail"),
			slog.String("err", upErr.Error()),
			slog.Duration("duration", took),
		)
		return fmt.Errorf("migration execution failed: %w", upErr)
	}

	to, _, _ := m.Version()
	applied := appliedBetween(files, uint64(from), uint64(to))
	logger.Info(ctx, migrateComponent, "summary",
		slog.String("status", "ok"),
		slog.Uint64("from_ver", uint64(from)),
		slog.Uint64("to_ver", uint64(to)),
		slog.Int("files", len(applied)),
		slog.Duration("duration", took),
	)
	return nil
}

func upFiles(fsys fs.FS, dir string) []string {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, path.Base(e.Name()))
		}
	}
	sort.Strings(names)
	return names
}

func migrationVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

func appliedBetween(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := migrationVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
