// Package keyboard builds telebot reply and inline markups.
package keyboard

import tele "gopkg.in/telebot.v4"

// InlineBtn describes a convenience wrapper for inline button properties.
type InlineBtn struct {
	Text   string
	Unique string
	Data   string
}

const defaultCancelButtonText = "❌ Cancel"

// RemoveKeyboard returns a markup that hides the keyboard.
func RemoveKeyboard() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}

// InlineButtonsRows builds an inline keyboard from rows of InlineBtn.
func InlineButtonsRows(rows ...[]InlineBtn) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		r := make([]tele.InlineButton, len(row))
		for j, btn := range row {
			r[j] = *markup.Data(btn.Text, btn.Unique, btn.Data).Inline()
		}
		inline = append(inline, r)
	}
	markup.InlineKeyboard = inline
	return markup
}

// InlineButtonsNPerRow splits a flat list of buttons into rows with up to n buttons per row.
func InlineButtonsNPerRow(buttons []InlineBtn, n int) *tele.ReplyMarkup {
	n = max(n, 1)
	rows := make([][]InlineBtn, 0, (len(buttons)+n-1)/n)
	for i := 0; i < len(buttons); i += n {
		rows = append(rows, buttons[i:min(i+n, len(buttons))])
	}
	return InlineButtonsRows(rows...)
}

// WithRows appends extra rows (for example navigation or cancel) to an inline markup.
func WithRows(markup *tele.ReplyMarkup, rows ...[]InlineBtn) *tele.ReplyMarkup {
	extra := InlineButtonsRows(rows...)
	markup.InlineKeyboard = append(markup.InlineKeyboard, extra.InlineKeyboard...)
	return markup
}

// CancelBtn returns a cancel button bound to action.
// Optional arguments override payload (first value) and label (second value).
func CancelBtn(action string, options ...string) InlineBtn {
	btn := InlineBtn{Text: defaultCancelButtonText, Unique: action, Data: "cancel"}
	if len(options) > 0 && options[0] != "" {
		btn.Data = options[0]
	}
	if len(options) > 1 && options[1] != "" {
		btn.Text = options[1]
	}
	return btn
}

// SingleCancelMarkup creates an inline keyboard with a single cancel button.
func SingleCancelMarkup(action string, options ...string) *tele.ReplyMarkup {
	return InlineButtonsRows([]InlineBtn{CancelBtn(action, options...)})
}
