// Package commands describes slash commands registered with the core registry.
package commands

import tele "gopkg.in/telebot.v4"

// Command represents a bot command with its handler, description, and metadata.
// Aliases are matched against plain text, so "cancel" can reach "/cancel".
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	AdminOnly   bool
	Hidden      bool
	Aliases     []string
}
