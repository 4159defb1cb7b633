package keyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineButtonsNPerRow(t *testing.T) {
	btns := []InlineBtn{{Text: "a", Unique: "x"}, {Text: "b", Unique: "x"}, {Text: "c", Unique: "x"}}
	rm := InlineButtonsNPerRow(btns, 2)
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Len(t, rm.InlineKeyboard[0], 2)
	assert.Len(t, rm.InlineKeyboard[1], 1)
	assert.Equal(t, "c", rm.InlineKeyboard[1][0].Text)
}

func TestSingleCancelMarkup(t *testing.T) {
	rm := SingleCancelMarkup("flow_cancel")
	require.Len(t, rm.InlineKeyboard, 1)
	btn := rm.InlineKeyboard[0][0]
	assert.Equal(t, "flow_cancel", btn.Unique)
	assert.Equal(t, "cancel", btn.Data)

	rm = WithRows(InlineButtonsNPerRow(nil, 3), []InlineBtn{CancelBtn("c", "", "Back")})
	require.Len(t, rm.InlineKeyboard, 1)
	assert.Equal(t, "Back", rm.InlineKeyboard[0][0].Text)
}
