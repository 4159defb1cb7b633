package callbacks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tele "gopkg.in/telebot.v4"
)

func TestParseCallbackData(t *testing.T) {
	key, payload := ParseCallbackData(&tele.Callback{Data: "\fcred_use|3"})
	assert.Equal(t, "cred_use", key)
	assert.Equal(t, "3", payload)

	key, payload = ParseCallbackData(&tele.Callback{Unique: "menu", Data: "main"})
	assert.Equal(t, "menu", key)
	assert.Equal(t, "main", payload)

	key, payload = ParseCallbackData(&tele.Callback{Data: "\frepo|alice/site|main"})
	assert.Equal(t, "repo", key)
	assert.Equal(t, "alice/site|main", payload)

	key, _ = ParseCallbackData(nil)
	assert.Empty(t, key)
}

func TestPayload(t *testing.T) {
	assert.Equal(t, "a:b", Payload(":", "a", "b"))
}
