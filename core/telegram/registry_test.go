package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/core/telegram/commands"

	tele "gopkg.in/telebot.v4"
)

func noop(tele.Context) error { return nil }

func TestRegistryCommands(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("/start", commands.Command{Handler: noop, Description: "Main menu"})
	reg.RegisterCommand("/cancel", commands.Command{Handler: noop, Description: "Cancel", Aliases: []string{"cancel"}})
	reg.RegisterCommand("/admin", commands.Command{Handler: noop, Description: "Admin", AdminOnly: true})
	reg.RegisterCommand("nodash", commands.Command{Handler: noop, Description: "ignored"})
	reg.RegisterCommand("/start", commands.Command{Handler: noop, Description: "dup"})

	assert.Len(t, reg.Commands(), 3)
	assert.Equal(t, []tele.Command{
		{Text: "/cancel", Description: "Cancel"},
		{Text: "/start", Description: "Main menu"},
	}, reg.ListCommands(true))

	key, _, ok := reg.LookupCommand("cancel")
	require.True(t, ok)
	assert.Equal(t, "/cancel", key)

	key, _, ok = reg.LookupCommand("/START@gitpush_bot extra")
	require.True(t, ok)
	assert.Equal(t, "/start", key)

	_, _, ok = reg.LookupCommand("hello")
	assert.False(t, ok)
}

func TestRegistryCallbacks(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCallback("menu", noop))
	require.Error(t, reg.RegisterCallback("menu", noop))
	require.Error(t, reg.RegisterCallback("", noop))

	_, ok := reg.GetCallback("menu")
	assert.True(t, ok)
	assert.Equal(t, []string{"menu"}, reg.ListCallbacks())
	assert.NotNil(t, reg.CallbackNotFound())
}
