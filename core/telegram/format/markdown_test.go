package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdown(t *testing.T) {
	assert.Equal(t, `my\_repo \*x\*`, Markdown("my_repo *x*"))
	assert.Equal(t, `a\.b\-c\!`, MarkdownV2("a.b-c!"))
	assert.Equal(t, "`it's`", Code("it`s"))
}
