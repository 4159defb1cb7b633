package router

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/m3rciful/gitpush/core/logger"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"
	"github.com/m3rciful/gitpush/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// summary runs fn under handler name and logs one handler.handled line.
func summary(c tele.Context, name string, fn func() error, extras ...slog.Attr) error {
	start := time.Now()
	ctx := tghelpers.WithHandler(c, name)
	err := fn()
	msgs, kb := middleware.GetCounters(c)

	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("outcome", logger.Status(err)),
		slog.Int("messages", msgs),
		slog.Bool("kb", kb),
		slog.Duration("duration", time.Since(start)),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			slog.String("err_code", errorCode(err)),
		)
	}
	logger.Event(ctx, "tg", level, "handler.handled", append(attrs, extras...)...)
	return err
}

// skipped logs an update that no handler claimed.
func skipped(c tele.Context, name string) {
	ctx := tghelpers.WithHandler(c, name)
	logger.Info(ctx, "tg", "handler.handled", slog.String("status", "skip"), slog.String("outcome", "ok"))
}

func normalizeHandlerName(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// errorCode prefers a Code() method anywhere in the chain and falls back to the type name.
func errorCode(err error) string {
	var coder interface{ Code() string }
	if errors.As(err, &coder) {
		if code := strings.TrimSpace(coder.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Name() != "" {
		return strings.ToUpper(t.Name())
	}
	return "UNKNOWN_ERROR"
}
