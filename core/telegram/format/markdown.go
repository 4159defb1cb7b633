// Package format escapes user-controlled text for Telegram parse modes.
package format

import "strings"

var (
	mdV1 = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)
	mdV2 = func() *strings.Replacer {
		const specials = "\\_*[]()~`>#+-=|{}.!"
		pairs := make([]string, 0, 2*len(specials))
		for _, r := range specials {
			pairs = append(pairs, string(r), `\`+string(r))
		}
		return strings.NewReplacer(pairs...)
	}()
)

// Markdown escapes text for the legacy Markdown parse mode.
func Markdown(text string) string {
	return mdV1.Replace(text)
}

// MarkdownV2 escapes text for the MarkdownV2 parse mode.
func MarkdownV2(text string) string {
	return mdV2.Replace(text)
}

// Code wraps text in an inline code span for the legacy Markdown parse mode.
// Backticks inside text are replaced since legacy Markdown cannot escape them in code.
func Code(text string) string {
	return "`" + strings.ReplaceAll(text, "`", "'") + "`"
}
