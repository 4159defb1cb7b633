package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/m3rciful/gitpush/bot/session"
	"github.com/m3rciful/gitpush/core/logger"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"
	"github.com/m3rciful/gitpush/core/telegram/callbacks"

	tele "gopkg.in/telebot.v4"
)

// InProgress reports whether userID is inside a flow.
func (s *Shell) InProgress(userID int64) bool {
	f := s.machine()
	return f != nil && f.InProgress(userID)
}

// ManagerHandler feeds a text or document update to the user's flow.
func (s *Shell) ManagerHandler(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	f := s.machine()

	secret := false
	if snap, ok := f.Snapshot(sender.ID); ok && snap.State == session.AwaitingCredential {
		secret = true
	}

	in := s.input(c)
	err := f.Handle(ctx, sender.ID, in)
	if secret && in.Kind == session.InputText {
		s.deleteMessage(ctx, c.Message())
	}
	if errors.Is(err, session.ErrNoSession) {
		return s.UnknownText()(c)
	}
	return err
}

func (s *Shell) input(c tele.Context) session.Input {
	msg := c.Message()
	if msg == nil || msg.Document == nil {
		return session.Text(c.Text())
	}
	doc := msg.Document
	return session.File(&session.Upload{
		Name: doc.FileName,
		Size: int64(doc.FileSize),
		Open: func(context.Context) (io.ReadCloser, error) {
			out := s.messenger()
			if out == nil {
				return nil, errDetached
			}
			return out.File(&doc.File)
		},
	})
}

func (s *Shell) deleteMessage(ctx context.Context, msg *tele.Message) {
	out := s.messenger()
	if out == nil || msg == nil {
		return
	}
	err := tghelpers.Enqueue(ctx, "delete", "deleteMessage", func() error { return out.Delete(msg) })
	if err != nil {
		logger.Warn(ctx, component, "delete_secret", slog.String("status", "fail"), slog.String("err", err.Error()))
	}
}

// onChoice answers a suggested-reply button.
func (s *Shell) onChoice(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	err := s.machine().Handle(ctx, c.Sender().ID, session.Choice(callbacks.CallbackPayload(c)))
	if errors.Is(err, session.ErrNoSession) {
		return tghelpers.SendText(c, msgExpiredButton)
	}
	return err
}

// onCancel handles both /cancel and the cancel button.
func (s *Shell) onCancel(c tele.Context) error {
	if !s.machine().Cancel(tghelpers.BuildContext(c), c.Sender().ID) {
		return tghelpers.SendText(c, msgNothingToCancel)
	}
	return nil
}

// UnknownText answers text outside of any flow.
func (s *Shell) UnknownText() tele.HandlerFunc {
	return func(c tele.Context) error {
		return tghelpers.SendMD(c, msgUnknownText, mainMenu(s.isAdmin(c.Sender().ID)))
	}
}

// UnknownDocument answers a document sent outside of a publish flow.
func (s *Shell) UnknownDocument() tele.HandlerFunc {
	return func(c tele.Context) error {
		return tghelpers.SendText(c, msgUnknownDocument)
	}
}

// UnknownCallback answers stale or foreign buttons.
func (s *Shell) UnknownCallback() tele.HandlerFunc {
	return func(c tele.Context) error {
		return c.Respond(&tele.CallbackResponse{Text: msgExpiredButton})
	}
}
