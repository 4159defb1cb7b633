package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/publish"
)

const (
	msgCancelled          = "Cancelled."
	msgPublishing         = "A publish is running. Send /cancel to abort it."
	msgTargetNoCredential = "That user has no active token."
	msgRetryHint          = "Reply retry to try again, send a new destination path, or /cancel."
)

func msgBusy(s *Session) string {
	if s.State == Publishing {
		return "A publish is still running. Wait for it or send /cancel."
	}
	return fmt.Sprintf("Finish the current %s step first, or send /cancel.", strings.ReplaceAll(string(s.Flow), "_", " "))
}

func msgExpired(d time.Duration) string {
	return fmt.Sprintf("Your session expired after %s without activity.", d.Round(time.Second))
}

func msgCredentialSaved(login string, target int64) string {
	if target != 0 {
		return fmt.Sprintf("Token for GitHub user %s saved and activated for user %d.", login, target)
	}
	return fmt.Sprintf("Token saved for GitHub user %s.", login)
}

func msgBroadcast(sent, total int) string {
	return fmt.Sprintf("Broadcast delivered to %d of %d users.", sent, total)
}

func msgDeleteAborted(r github.RepoRef) string {
	return fmt.Sprintf("Deletion of %s cancelled.", r)
}

func msgDeleted(r github.RepoRef) string {
	return fmt.Sprintf("Repository %s deleted.", r)
}

func msgPublishingStarted(s *Session) string {
	where := s.Target.String()
	if s.Branch != "" {
		where += "@" + s.Branch
	}
	if s.Flow == FlowEditFile {
		return fmt.Sprintf("Writing %s to %s…", s.FilePath, where)
	}
	dest := "/"
	if s.DestPath != "" {
		dest = "/" + s.DestPath
	}
	return fmt.Sprintf("Publishing %s to %s at %s…", s.Archive.Describe(), where, dest)
}

func msgPublished(res publish.Result) string {
	short := res.CommitSHA
	if len(short) > 7 {
		short = short[:7]
	}
	if res.NoOp {
		return fmt.Sprintf("Nothing to do: %s@%s already has this content (%s).", res.Repo, res.Branch, short)
	}
	msg := fmt.Sprintf("Committed %d files to %s@%s as %s.", res.Files, res.Repo, res.Branch, short)
	if res.Unchanged > 0 {
		msg += fmt.Sprintf(" %d files were already up to date.", res.Unchanged)
	}
	if res.Attempts > 1 {
		msg += fmt.Sprintf(" It took %d attempts.", res.Attempts)
	}
	return msg
}

// promptFor renders the question for the state s waits in.
func promptFor(s *Session) Prompt {
	p := Prompt{Flow: s.Flow, State: s.State}
	switch s.State {
	case AwaitingCredential:
		p.Text = "Send a GitHub personal access token with repo scope."
		if s.Flow == FlowAdminCredential {
			p.Text = fmt.Sprintf("Send the GitHub token to store for user %d.", s.TargetUser)
		}
	case AwaitingTarget:
		p.Text = "Send the repository as owner/name. Append @branch to target a branch other than the default."
	case AwaitingArchive:
		p.Text = fmt.Sprintf("Send the .zip archive to publish into %s.", s.Target)
	case AwaitingDestinationPath:
		if s.Flow == FlowEditFile {
			p.Text = "Send the path of the file to create or replace, for example docs/index.md."
		} else {
			p.Text = fmt.Sprintf("Archive holds %s. Send the destination directory, or / for the repository root.", s.Archive.Describe())
			p.Options = []string{"/"}
		}
	case AwaitingContent:
		p.Text = fmt.Sprintf("Send the new content of %s as a message or a document.", s.FilePath)
	case AwaitingMessage:
		p.Text = "Send the announcement to deliver to every user."
	case ConfirmingDestructive:
		p.Text = fmt.Sprintf("Delete %s permanently? This cannot be undone. Reply yes to confirm.", s.Target)
		p.Options = []string{"yes", "no"}
	case Failed:
		p.Text = msgRetryHint
		p.Options = []string{"retry"}
	}
	return p
}

// Describe maps an error to a message fit for the user.
func Describe(err error) string {
	var se *publish.StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return msgCancelled
	case errors.As(err, &se):
		return fmt.Sprintf("%d of %d files could not be uploaded (first: %s). Nothing was committed.",
			len(se.Failed)+len(se.Unstaged), se.Total, strings.Join(firstN(se.Paths(), 3), ", "))
	case errors.Is(err, apperr.ErrRateLimited):
		if d, ok := apperr.RetryAfter(err); ok {
			return fmt.Sprintf("GitHub rate limit reached. Try again in %s.", d.Round(time.Second))
		}
		return "GitHub rate limit reached. Try again later."
	case errors.Is(err, apperr.ErrConflict):
		return "The branch changed while publishing. Nothing was overwritten; try again."
	case errors.Is(err, apperr.ErrAuthentication):
		return "GitHub refused the token: " + apperr.Message(err) + ". Check that it is valid and has repo scope."
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound):
		return capitalize(apperr.Message(err)) + "."
	}
	return "GitHub request failed: " + apperr.Message(err) + "."
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return append(items[:n:n], "…")
	}
	return items
}

func capitalize(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
