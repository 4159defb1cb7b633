package shell

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/m3rciful/gitpush/bot/session"
	"github.com/m3rciful/gitpush/core/logger"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"
	"github.com/m3rciful/gitpush/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

var errDetached = errors.New("shell: no messenger attached")

func (s *Shell) send(ctx context.Context, userID int64, text string, rm *tele.ReplyMarkup) error {
	out := s.messenger()
	if out == nil {
		return errDetached
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if rm != nil {
		opts.ReplyMarkup = rm
	}
	return tghelpers.SendTo(ctx, out, userID, text, opts)
}

// Notifier methods run while the user's session is locked and must not call
// back into the machine.

// Prompt asks for the next input, offering the suggested replies as buttons.
func (s *Shell) Prompt(ctx context.Context, userID int64, p session.Prompt) error {
	text := p.Text
	if p.Reason != "" {
		text = "⚠️ " + p.Reason + "\n\n" + text
	}
	if p.State == session.AwaitingCredential {
		text += "\nThe message with the token will be deleted."
	}
	return s.send(ctx, userID, text, choiceMarkup(p.Options))
}

// Succeeded reports a finished flow.
func (s *Shell) Succeeded(ctx context.Context, userID int64, sum session.Summary) error {
	return s.send(ctx, userID, "✅ "+sum.Text, nil)
}

// Failed reports a failure.
func (s *Shell) Failed(ctx context.Context, userID int64, reason string) error {
	return s.send(ctx, userID, "❌ "+reason, nil)
}

// Info sends a neutral notice.
func (s *Shell) Info(ctx context.Context, userID int64, text string) error {
	return s.send(ctx, userID, text, nil)
}

// Broadcast sends text to every user in ids and returns how many deliveries
// succeeded.
func (s *Shell) Broadcast(ctx context.Context, ids []int64, text string) (int, error) {
	sent := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.send(ctx, id, "📣 "+text, nil); err != nil {
			logger.Debug(ctx, component, "broadcast.send",
				slog.String("status", "fail"),
				slog.Int64("chat_id", id),
				slog.String("err", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

// choiceMarkup renders suggested replies plus a cancel button.
func choiceMarkup(options []string) *tele.ReplyMarkup {
	btns := make([]keyboard.InlineBtn, 0, len(options))
	for _, o := range options {
		btns = append(btns, keyboard.InlineBtn{Text: choiceLabel(o), Unique: cbChoice, Data: o})
	}
	return keyboard.WithRows(keyboard.InlineButtonsNPerRow(btns, 3), []keyboard.InlineBtn{keyboard.CancelBtn(cbCancel)})
}

func choiceLabel(o string) string {
	switch strings.ToLower(o) {
	case "/":
		return "📁 Repository root"
	case "yes":
		return "🗑 Yes, delete"
	case "no":
		return "↩️ No"
	case "retry":
		return "🔁 Retry"
	}
	return o
}
