package publish

import (
	"fmt"
	"strings"

	"github.com/m3rciful/gitpush/bot/apperr"
)

// EntryFailure is a file whose blob could not be created.
type EntryFailure struct {
	Path string
	Err  error
}

// StageError reports a publish aborted during blob creation. Nothing was
// committed; Failed lists uploads that errored and Unstaged those that never
// completed.
type StageError struct {
	Total    int
	Staged   int
	Failed   []EntryFailure
	Unstaged []string
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "publish: %d of %d files could not be staged", len(e.Failed)+len(e.Unstaged), e.Total)
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, ": %s: %v", e.Failed[0].Path, e.Failed[0].Err)
	}
	return b.String()
}

// Unwrap reports the partial failure family and the underlying causes.
func (e *StageError) Unwrap() []error {
	out := []error{apperr.ErrPartialFailure}
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	return out
}

// Code implements the log classification interface.
func (e *StageError) Code() string { return "PARTIAL_FAILURE" }

// Paths lists failed then unstaged paths.
func (e *StageError) Paths() []string {
	out := make([]string, 0, len(e.Failed)+len(e.Unstaged))
	for _, f := range e.Failed {
		out = append(out, f.Path)
	}
	return append(out, e.Unstaged...)
}
