package router

import (
	"log/slog"

	tg "github.com/m3rciful/gitpush/core/telegram"
	"github.com/m3rciful/gitpush/core/telegram/callbacks"

	tele "gopkg.in/telebot.v4"
)

// CallbackRoute returns a handler that routes callbacks through the registry by unique key.
func CallbackRoute(reg *tg.Registry) tg.Route {
	handler := func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		key, _ := callbacks.ParseCallbackData(cb)
		_ = c.Respond()

		h, ok := reg.GetCallback(key)
		if !ok {
			fallback := reg.CallbackNotFound()
			return summary(c, "callback.not_found", func() error {
				if fallback == nil {
					return nil
				}
				return fallback(c)
			}, slog.String("cb_key", key))
		}
		return summary(c, "callback."+normalizeHandlerName(key), func() error {
			return h(c)
		}, slog.String("cb_key", key))
	}
	return tg.Route{Endpoint: tele.OnCallback, Handler: handler}
}
