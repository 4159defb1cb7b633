package router

import (
	tg "github.com/m3rciful/gitpush/core/telegram"

	tele "gopkg.in/telebot.v4"
)

// FSM is the conversation engine that owns a user's input while a flow is active.
type FSM interface {
	InProgress(userID int64) bool
	ManagerHandler(c tele.Context) error
}

// TextOptions controls fallback behaviour for text/document updates.
type TextOptions struct {
	UnknownText     tele.HandlerFunc
	UnknownDocument tele.HandlerFunc
}

// TextRoutes builds handlers for text and document routing. While a flow is
// active every text and document goes to the FSM; otherwise text is matched
// against command names and aliases before the fallbacks run.
func TextRoutes(fsm FSM, reg *tg.Registry, opts TextOptions) []tg.Route {
	inFlow := func(c tele.Context) bool {
		return fsm != nil && c.Sender() != nil && fsm.InProgress(c.Sender().ID)
	}

	text := func(c tele.Context) error {
		if inFlow(c) {
			return summary(c, "fsm", func() error { return fsm.ManagerHandler(c) })
		}
		if reg != nil {
			if key, cmd, ok := reg.LookupCommand(c.Text()); ok && cmd.Handler != nil && !cmd.AdminOnly {
				return summary(c, normalizeHandlerName(key), func() error { return cmd.Handler(c) })
			}
			if fb := reg.TextFallback(); fb != nil {
				return summary(c, "fallback", func() error { return fb(c) })
			}
		}
		if opts.UnknownText != nil {
			return summary(c, "unknown_text", func() error { return opts.UnknownText(c) })
		}
		skipped(c, "unknown_text")
		return nil
	}

	document := func(c tele.Context) error {
		if inFlow(c) {
			return summary(c, "fsm_document", func() error { return fsm.ManagerHandler(c) })
		}
		if opts.UnknownDocument != nil {
			return summary(c, "unexpected_document", func() error { return opts.UnknownDocument(c) })
		}
		skipped(c, "unexpected_document")
		return nil
	}

	return []tg.Route{
		{Endpoint: tele.OnText, Handler: text},
		{Endpoint: tele.OnDocument, Handler: document},
	}
}
