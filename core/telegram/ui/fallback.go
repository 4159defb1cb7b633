// Package ui connects a bot's fallback replies to the core routers.
package ui

import (
	tg "github.com/m3rciful/gitpush/core/telegram"
	"github.com/m3rciful/gitpush/core/telegram/router"

	tele "gopkg.in/telebot.v4"
)

// FallbackProvider exposes handlers used when incoming updates
// cannot be mapped to commands, callbacks, or an active flow.
type FallbackProvider interface {
	UnknownText() tele.HandlerFunc
	UnknownDocument() tele.HandlerFunc
	UnknownCallback() tele.HandlerFunc
}

// Install registers the callback fallback on reg and returns the text
// options to pass to router.TextRoutes.
func Install(reg *tg.Registry, p FallbackProvider) router.TextOptions {
	reg.SetCallbackNotFound(p.UnknownCallback())
	return router.TextOptions{
		UnknownText:     p.UnknownText(),
		UnknownDocument: p.UnknownDocument(),
	}
}
