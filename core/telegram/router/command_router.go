package router

import (
	"context"
	"log/slog"

	"github.com/m3rciful/gitpush/core/logger"
	tg "github.com/m3rciful/gitpush/core/telegram"
	"github.com/m3rciful/gitpush/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// CommandRoutes binds every registered command, guarding admin-only ones.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}
	adminOnly := middleware.AdminOnlyMiddleware(middleware.AdminOptions{
		AdminID:  opts.AdminID,
		OnReject: opts.OnAdminReject,
	})

	cmds := reg.Commands()
	routes := make([]tg.Route, 0, len(cmds))
	for name, def := range cmds {
		h := def.Handler
		if def.AdminOnly {
			h = adminOnly(h)
		}
		routes = append(routes, tg.Route{
			Endpoint: name,
			Handler: func(c tele.Context) error {
				return summary(c, normalizeHandlerName(name), func() error { return h(c) })
			},
		})
	}

	logger.Info(context.Background(), "tg.wire", "complete",
		slog.Int("count", len(cmds)),
		slog.Int("callbacks", len(reg.ListCallbacks())),
	)
	return routes
}
