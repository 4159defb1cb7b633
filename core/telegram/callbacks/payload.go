package callbacks

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// PayloadInt64 parses callback payload as int64.
func PayloadInt64(c tele.Context) (int64, error) {
	return strconv.ParseInt(CallbackPayload(c), 10, 64)
}

// PayloadParts splits the callback payload into exactly n parts using sep.
func PayloadParts(c tele.Context, sep string, n int) ([]string, error) {
	parts := strings.SplitN(CallbackPayload(c), sep, n)
	if len(parts) != n || parts[0] == "" {
		return nil, strconv.ErrSyntax
	}
	return parts, nil
}

// Payload joins values into a payload accepted by PayloadParts.
func Payload(sep string, values ...string) string {
	return strings.Join(values, sep)
}
