package helpers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the asynchronous sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

// Enqueue runs fn through the global dispatcher, or inline when none is set
// or the queue cannot take the job.
func Enqueue(ctx context.Context, action, endpoint string, fn func() error) error {
	disp := globalDispatcher.Load()
	if disp == nil {
		return fn()
	}
	err := disp.Enqueue(ctx, action, endpoint, fn)
	if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
		logger.Warn(ctx, "tg.sender", "queue.fallback",
			slog.String("mode", action),
			slog.String("err", err.Error()),
		)
		return fn()
	}
	return err
}

func markup(rm []*tele.ReplyMarkup) *tele.ReplyMarkup {
	if len(rm) > 0 {
		return rm[0]
	}
	return nil
}

// SendText sends raw text (no parse mode) to the current recipient.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	return Enqueue(BuildContext(c), "send.text", "sendMessage", func() error {
		if len(opts) > 0 && opts[0] != nil {
			return c.Send(text, opts[0])
		}
		return c.Send(text)
	})
}

// SendMD sends a message with Markdown parse mode and optional reply markup.
func SendMD(c tele.Context, text string, rm ...*tele.ReplyMarkup) error {
	return SendText(c, text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup(rm)})
}

// EditOrSendMD tries to edit the message (Markdown) or sends a new one if edit fails.
func EditOrSendMD(c tele.Context, text string, rm ...*tele.ReplyMarkup) error {
	return c.EditOrSend(text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup(rm)})
}

// Sender is the part of tele.API that SendTo needs.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// SendTo delivers text to an arbitrary chat through the dispatcher. It is used for
// messages that do not answer an update, such as broadcasts and timeout notices.
func SendTo(ctx context.Context, bot Sender, chatID int64, text string, opts ...any) error {
	return Enqueue(ctx, "send.to", "sendMessage", func() error {
		_, err := bot.Send(tele.ChatID(chatID), text, opts...)
		return err
	})
}
