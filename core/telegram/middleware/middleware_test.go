package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

func newContext(t *testing.T, upd tele.Update) tele.Context {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Offline: true})
	require.NoError(t, err)
	return bot.NewContext(upd)
}

func textUpdate(userID int64, text string) tele.Update {
	return tele.Update{ID: 1, Message: &tele.Message{
		Sender: &tele.User{ID: userID},
		Chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
		Text:   text,
	}}
}

func TestUpdateKind(t *testing.T) {
	assert.Equal(t, "message", UpdateKind(textUpdate(1, "hi")))
	assert.Equal(t, "callback", UpdateKind(tele.Update{Callback: &tele.Callback{}}))
	assert.Equal(t, "document", UpdateKind(tele.Update{Message: &tele.Message{Document: &tele.Document{}}}))
	assert.Equal(t, "other", UpdateKind(tele.Update{}))
}

func TestRateLimitMiddleware(t *testing.T) {
	limited := 0
	mw := RateLimitMiddleware(RateLimitOptions{
		Interval:  time.Hour,
		Exclude:   map[string]struct{}{"callback": {}},
		OnLimited: func(tele.Context) error { limited++; return nil },
	})
	calls := 0
	h := mw(func(tele.Context) error { calls++; return nil })

	require.NoError(t, h(newContext(t, textUpdate(1, "a"))))
	require.NoError(t, h(newContext(t, textUpdate(1, "b"))))
	require.NoError(t, h(newContext(t, textUpdate(2, "c"))))
	cb := tele.Update{Callback: &tele.Callback{Sender: &tele.User{ID: 1}}}
	require.NoError(t, h(newContext(t, cb)))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, limited)
}

func TestBlockedMiddleware(t *testing.T) {
	mw := BlockedMiddleware(func(_ context.Context, id int64) bool { return id == 13 })
	calls := 0
	h := mw(func(tele.Context) error { calls++; return nil })

	require.NoError(t, h(newContext(t, textUpdate(13, "x"))))
	require.NoError(t, h(newContext(t, textUpdate(14, "x"))))
	assert.Equal(t, 1, calls)
}

func TestAdminOnlyMiddleware(t *testing.T) {
	rejected := 0
	mw := AdminOnlyMiddleware(AdminOptions{AdminID: 7, OnReject: func(tele.Context) error { rejected++; return nil }})
	calls := 0
	h := mw(func(tele.Context) error { calls++; return nil })

	require.NoError(t, h(newContext(t, textUpdate(7, "/admin"))))
	require.NoError(t, h(newContext(t, textUpdate(8, "/admin"))))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rejected)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(func(tele.Context) error { panic("boom") })
	err := h(newContext(t, textUpdate(1, "x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	plain := errors.New("plain")
	h = RecoverMiddleware(func(tele.Context) error { return plain })
	assert.ErrorIs(t, h(newContext(t, textUpdate(1, "x"))), plain)
}

func TestLoggerMiddlewareStoresContext(t *testing.T) {
	var rid string
	h := LoggerMiddleware(func(c tele.Context) error {
		ctx, ok := tghelpers.ContextFrom(c)
		require.True(t, ok)
		rid, _ = c.Get("rid").(string)
		assert.NotNil(t, ctx)
		return nil
	})
	require.NoError(t, h(newContext(t, textUpdate(5, "hello"))))
	assert.Equal(t, "1:5:5", rid)
}

func TestMessageMetricsCountsSends(t *testing.T) {
	h := MessageMetricsMiddleware(func(c tele.Context) error {
		return metricsContext{Context: c}.count(nil, []any{&tele.ReplyMarkup{}})
	})
	c := newContext(t, textUpdate(1, "x"))
	require.NoError(t, h(c))
	msgs, kb := GetCounters(c)
	assert.Equal(t, 1, msgs)
	assert.True(t, kb)
}
