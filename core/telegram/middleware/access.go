package middleware

import (
	"context"
	"log/slog"

	"github.com/m3rciful/gitpush/core/logger"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	AdminID  int64
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware ensures that only the admin user can invoke downstream handlers.
// A zero AdminID disables every admin-only handler.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if sender := c.Sender(); opts.AdminID != 0 && sender != nil && sender.ID == opts.AdminID {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), "tg", "admin.reject", slog.String("status", "skip"))
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
	}
}

// BlockedFunc reports whether a user must be ignored.
type BlockedFunc func(ctx context.Context, userID int64) bool

// BlockedMiddleware drops updates from users for which blocked returns true.
func BlockedMiddleware(blocked BlockedFunc) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil || blocked == nil {
				return next(c)
			}
			ctx := tghelpers.BuildContext(c)
			if blocked(ctx, sender.ID) {
				logger.Debug(ctx, "tg", "update.blocked", slog.String("status", "skip"))
				return nil
			}
			return next(c)
		}
	}
}
