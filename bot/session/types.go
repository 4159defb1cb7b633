// Package session drives the per-user conversations of the bot.
//
// Each user owns at most one Session, stored in a state.Registry and mutated
// only while that user's slot is held. A flow collects its inputs one state at
// a time and hands a complete request to the publish engine, which runs
// outside the slot lock so the user can still cancel it.
package session

import (
	"context"
	"io"
	"time"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/publish"
)

// State is the step a session is waiting on.
type State int

const (
	Idle State = iota
	AwaitingCredential
	AwaitingTarget
	AwaitingArchive
	AwaitingDestinationPath
	AwaitingContent
	AwaitingMessage
	ConfirmingDestructive
	Publishing
	Done
	Failed
)

var stateNames = [...]string{
	Idle:                    "idle",
	AwaitingCredential:      "awaiting_credential",
	AwaitingTarget:          "awaiting_target",
	AwaitingArchive:         "awaiting_archive",
	AwaitingDestinationPath: "awaiting_destination_path",
	AwaitingContent:         "awaiting_content",
	AwaitingMessage:         "awaiting_message",
	ConfirmingDestructive:   "confirming_destructive",
	Publishing:              "publishing",
	Done:                    "done",
	Failed:                  "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Flow names what a session is trying to accomplish.
type Flow string

const (
	FlowPublish         Flow = "publish"
	FlowEditFile        Flow = "edit_file"
	FlowAddCredential   Flow = "add_credential"
	FlowAdminCredential Flow = "admin_credential"
	FlowDeleteRepo      Flow = "delete_repo"
	FlowBroadcast       Flow = "broadcast"
)

// Session is one user's conversation.
type Session struct {
	State State
	Flow  Flow

	Target     github.RepoRef
	HasTarget  bool
	Branch     string
	DestPath   string
	FilePath   string
	Content    []byte
	Archive    *archive.Handle
	TargetUser int64

	Attempts  int
	LastErr   error
	CreatedAt time.Time
	UpdatedAt time.Time

	run    uint64
	cancel context.CancelFunc
}

// release frees resources held by the session.
func (s *Session) release() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.Archive != nil {
		_ = s.Archive.Release()
		s.Archive = nil
	}
}

// InputKind tells text apart from uploads and button presses.
type InputKind int

const (
	InputText InputKind = iota
	InputFile
	InputChoice
)

// Upload is a file sent by the user. Open streams its content.
type Upload struct {
	Name string
	Size int64
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Input is one user event.
type Input struct {
	Kind InputKind
	Text string
	File *Upload
}

// Text returns a text input.
func Text(s string) Input { return Input{Kind: InputText, Text: s} }

// Choice returns a button press input.
func Choice(s string) Input { return Input{Kind: InputChoice, Text: s} }

// File returns an upload input.
func File(u *Upload) Input { return Input{Kind: InputFile, File: u} }

// Prompt asks the user for the next input.
type Prompt struct {
	Flow  Flow
	State State
	Text  string
	// Reason explains why the previous input was rejected.
	Reason string
	// Options are suggested replies; each is a valid input on its own.
	Options []string
}

// Summary describes a finished flow.
type Summary struct {
	Flow   Flow
	Text   string
	Result *publish.Result
}

// Notifier renders machine output. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Prompt(ctx context.Context, userID int64, p Prompt) error
	Succeeded(ctx context.Context, userID int64, s Summary) error
	Failed(ctx context.Context, userID int64, reason string) error
	Info(ctx context.Context, userID int64, text string) error
}

// Credentials is the credential store as seen by flows.
type Credentials interface {
	Add(ctx context.Context, userID int64, secret string) (accounts.Identity, error)
	AddActive(ctx context.Context, userID int64, secret string) (accounts.Identity, error)
	GetActive(ctx context.Context, userID int64) (*accounts.Credential, error)
	Recipients(ctx context.Context) ([]int64, error)
}

// Publisher runs a publish.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (publish.Result, error)
}

// Repos reads and deletes repositories.
type Repos interface {
	Repo(ctx context.Context, token string, r github.RepoRef) (github.Repo, error)
	DeleteRepo(ctx context.Context, token string, r github.RepoRef) error
}

// Extractor turns upload bytes into an archive handle.
type Extractor interface {
	Normalize(ctx context.Context, data []byte) (*archive.Handle, error)
}

// Broadcaster delivers an admin message to many users and reports how many
// deliveries succeeded.
type Broadcaster interface {
	Broadcast(ctx context.Context, userIDs []int64, text string) (int, error)
}
