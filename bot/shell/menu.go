package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/session"
	tg "github.com/m3rciful/gitpush/core/telegram"
	"github.com/m3rciful/gitpush/core/telegram/callbacks"
	"github.com/m3rciful/gitpush/core/telegram/commands"
	"github.com/m3rciful/gitpush/core/telegram/format"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"
	"github.com/m3rciful/gitpush/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

// Register adds the bot's commands and callbacks to reg.
func (s *Shell) Register(reg *tg.Registry) error {
	reg.RegisterCommand("/start", commands.Command{Handler: s.onStart, Description: "Main menu", Aliases: []string{"menu"}})
	reg.RegisterCommand("/help", commands.Command{Handler: s.onHelp, Description: "Show help"})
	reg.RegisterCommand("/cancel", commands.Command{Handler: s.onCancel, Description: "Abort the current step", Aliases: []string{"cancel"}})
	reg.RegisterCommand("/publish", commands.Command{Handler: s.onPublish, Description: "Upload a ZIP archive to a repository"})
	reg.RegisterCommand("/edit", commands.Command{Handler: s.onEdit, Description: "Create or replace a single file"})
	reg.RegisterCommand("/addtoken", commands.Command{Handler: s.onAddToken, Description: "Store a GitHub token"})
	reg.RegisterCommand("/tokens", commands.Command{Handler: s.onTokens, Description: "Manage stored tokens"})
	reg.RegisterCommand("/repos", commands.Command{Handler: s.onRepos, Description: "Browse your repositories"})
	reg.RegisterCommand("/delete", commands.Command{Handler: s.onDelete, Description: "Delete a repository"})
	reg.RegisterCommand("/admin", commands.Command{Handler: s.onAdmin, Description: "Admin panel", AdminOnly: true, Hidden: true})
	reg.RegisterCommand("/broadcast", commands.Command{Handler: s.onBroadcast, Description: "Message every user", AdminOnly: true, Hidden: true})

	for key, h := range map[string]tele.HandlerFunc{
		cbChoice: s.onChoice,
		cbCancel: s.onCancel,
		cbMenu:   s.onMenu,
		cbToken:  s.onTokenAction,
		cbRepos:  s.onReposPage,
		cbRepo:   s.onRepoAction,
		cbAdmin:  s.onAdminAction,
	} {
		if err := reg.RegisterCallback(key, h); err != nil {
			return err
		}
	}
	return nil
}

// OnAdminReject answers admin commands sent by other users.
func (s *Shell) OnAdminReject(c tele.Context) error {
	return tghelpers.SendText(c, msgAdminOnly)
}

// OnLimited answers throttled updates.
func (s *Shell) OnLimited(c tele.Context) error {
	if c.Callback() != nil {
		return c.Respond(&tele.CallbackResponse{Text: msgSlowDown})
	}
	return tghelpers.SendText(c, msgSlowDown)
}

func mainMenu(admin bool) *tele.ReplyMarkup {
	rows := [][]keyboard.InlineBtn{
		{{Text: "📤 Publish archive", Unique: cbMenu, Data: "publish"}, {Text: "✏️ Edit file", Unique: cbMenu, Data: "edit"}},
		{{Text: "📚 Repositories", Unique: cbMenu, Data: "repos"}, {Text: "🔑 Tokens", Unique: cbMenu, Data: "tokens"}},
		{{Text: "➕ Add token", Unique: cbMenu, Data: "addtoken"}, {Text: "❓ Help", Unique: cbMenu, Data: "help"}},
	}
	if admin {
		rows = append(rows, []keyboard.InlineBtn{{Text: "🛠 Admin", Unique: cbAdmin, Data: "users|1"}})
	}
	return keyboard.InlineButtonsRows(rows...)
}

func (s *Shell) onStart(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	u := c.Sender()
	if _, _, err := s.accounts.Register(ctx, u.ID, u.FirstName); err != nil {
		return err
	}
	text := msgWelcome
	if cred, err := s.accounts.GetActive(ctx, u.ID); err == nil && cred != nil {
		text += "\n\nActive token: " + format.Markdown(cred.Login) + " " + format.Code(cred.Masked())
	}
	return tghelpers.SendMD(c, text, mainMenu(s.isAdmin(u.ID)))
}

func (s *Shell) onHelp(c tele.Context) error {
	return tghelpers.SendMD(c, msgHelp)
}

func (s *Shell) onMenu(c tele.Context) error {
	switch callbacks.CallbackPayload(c) {
	case "publish":
		return s.begin(c, session.FlowPublish)
	case "edit":
		return s.begin(c, session.FlowEditFile)
	case "addtoken":
		return s.begin(c, session.FlowAddCredential)
	case "tokens":
		return s.showTokens(c, true)
	case "repos":
		return s.showRepos(c, 1, true)
	case "help":
		return tghelpers.EditOrSendMD(c, msgHelp, mainMenu(s.isAdmin(c.Sender().ID)))
	}
	return s.UnknownCallback()(c)
}

// begin starts flow, treating the busy notice sent by the machine as handled.
func (s *Shell) begin(c tele.Context, flow session.Flow, opts ...session.BeginOption) error {
	err := s.machine().Begin(tghelpers.BuildContext(c), c.Sender().ID, flow, opts...)
	if errors.Is(err, session.ErrBusy) {
		return nil
	}
	return err
}

// beginWithTarget parses an optional "owner/repo[@branch]" argument.
func (s *Shell) beginWithTarget(c tele.Context, flow session.Flow) error {
	arg := strings.TrimSpace(c.Message().Payload)
	if arg == "" {
		return s.begin(c, flow)
	}
	ref, branch, err := session.ParseTarget(arg)
	if err != nil {
		return tghelpers.SendText(c, session.Describe(err))
	}
	return s.begin(c, flow, session.WithTarget(ref, branch))
}

func (s *Shell) onPublish(c tele.Context) error { return s.beginWithTarget(c, session.FlowPublish) }

func (s *Shell) onEdit(c tele.Context) error { return s.beginWithTarget(c, session.FlowEditFile) }

func (s *Shell) onAddToken(c tele.Context) error { return s.begin(c, session.FlowAddCredential) }

// onDelete always asks for confirmation; a missing argument asks for the
// repository first.
func (s *Shell) onDelete(c tele.Context) error {
	arg := strings.TrimSpace(c.Message().Payload)
	if arg == "" {
		return s.begin(c, session.FlowDeleteRepo)
	}
	ref, err := github.ParseRepo(arg)
	if err != nil {
		return tghelpers.SendText(c, fmt.Sprintf(msgUsage, "/delete"))
	}
	return s.begin(c, session.FlowDeleteRepo, session.WithTarget(ref, ""))
}

func (s *Shell) onTokens(c tele.Context) error { return s.showTokens(c, false) }

func (s *Shell) showTokens(c tele.Context, edit bool) error {
	ctx := tghelpers.BuildContext(c)
	list, err := s.accounts.List(ctx, c.Sender().ID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return reply(c, edit, msgNoTokens, keyboard.InlineButtonsRows([]keyboard.InlineBtn{{Text: "➕ Add token", Unique: cbMenu, Data: "addtoken"}}))
	}
	var b strings.Builder
	b.WriteString("*Stored tokens*\n")
	rows := make([][]keyboard.InlineBtn, 0, len(list))
	for i, cred := range list {
		mark := "▫️"
		if cred.Active {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %d. %s %s\n", mark, i+1, format.Markdown(cred.Login), format.Code(cred.Masked()))
		fp := shortFingerprint(cred.Fingerprint)
		row := []keyboard.InlineBtn{{Text: fmt.Sprintf("🗑 %d", i+1), Unique: cbToken, Data: callbacks.Payload("|", "del", fp)}}
		if !cred.Active {
			row = append([]keyboard.InlineBtn{{Text: fmt.Sprintf("⭐ Use %d", i+1), Unique: cbToken, Data: callbacks.Payload("|", "act", fp)}}, row...)
		}
		rows = append(rows, row)
	}
	rows = append(rows, []keyboard.InlineBtn{{Text: "➕ Add token", Unique: cbMenu, Data: "addtoken"}})
	return reply(c, edit, b.String(), keyboard.InlineButtonsRows(rows...))
}

// shortFingerprint keeps callback payloads within Telegram's 64 byte limit.
func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func (s *Shell) onTokenAction(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	parts, err := callbacks.PayloadParts(c, "|", 2)
	if err != nil {
		return s.UnknownCallback()(c)
	}
	uid := c.Sender().ID
	fp, err := s.resolveFingerprint(c, parts[1])
	if err != nil {
		return err
	}
	if fp == "" {
		return c.Respond(&tele.CallbackResponse{Text: msgTokenGone})
	}
	switch parts[0] {
	case "act":
		_, err = s.accounts.SetActive(ctx, uid, fp)
	case "del":
		_, err = s.accounts.Remove(ctx, uid, fp)
	default:
		return s.UnknownCallback()(c)
	}
	if err != nil {
		return err
	}
	return s.showTokens(c, true)
}

func (s *Shell) resolveFingerprint(c tele.Context, prefix string) (string, error) {
	list, err := s.accounts.List(tghelpers.BuildContext(c), c.Sender().ID)
	if err != nil {
		return "", err
	}
	for _, cred := range list {
		if prefix != "" && strings.HasPrefix(cred.Fingerprint, prefix) {
			return cred.Fingerprint, nil
		}
	}
	return "", nil
}

func (s *Shell) onRepos(c tele.Context) error { return s.showRepos(c, 1, false) }

func (s *Shell) onReposPage(c tele.Context) error {
	page, err := callbacks.PayloadInt64(c)
	if err != nil || page < 1 {
		return s.UnknownCallback()(c)
	}
	return s.showRepos(c, int(page), true)
}

func (s *Shell) listRepos(c tele.Context, page int) ([]github.Repo, *accounts.Credential, error) {
	ctx := tghelpers.BuildContext(c)
	cred, err := s.accounts.GetActive(ctx, c.Sender().ID)
	if err != nil || cred == nil {
		return nil, nil, err
	}
	repos, err := s.repos.Repos(ctx, cred.Secret, page, s.perPage)
	return repos, cred, err
}

func (s *Shell) showRepos(c tele.Context, page int, edit bool) error {
	repos, cred, err := s.listRepos(c, page)
	if err != nil {
		return tghelpers.SendText(c, session.Describe(err))
	}
	if cred == nil {
		return reply(c, edit, msgNeedToken, nil)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Repositories of %s*, page %d\n", format.Markdown(cred.Login), page)
	if len(repos) == 0 {
		b.WriteString("No repositories here.")
	}
	rows := make([][]keyboard.InlineBtn, 0, len(repos)+1)
	for i, r := range repos {
		lock := ""
		if r.Private {
			lock = " 🔒"
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, format.Markdown(r.FullName), lock)
		idx := strconv.Itoa(i)
		pg := strconv.Itoa(page)
		rows = append(rows, []keyboard.InlineBtn{
			{Text: fmt.Sprintf("📤 %d", i+1), Unique: cbRepo, Data: callbacks.Payload("|", "pub", pg, idx)},
			{Text: fmt.Sprintf("✏️ %d", i+1), Unique: cbRepo, Data: callbacks.Payload("|", "edit", pg, idx)},
			{Text: fmt.Sprintf("🗑 %d", i+1), Unique: cbRepo, Data: callbacks.Payload("|", "del", pg, idx)},
		})
	}
	var nav []keyboard.InlineBtn
	if page > 1 {
		nav = append(nav, keyboard.InlineBtn{Text: "⬅️", Unique: cbRepos, Data: strconv.Itoa(page - 1)})
	}
	if len(repos) == s.perPage {
		nav = append(nav, keyboard.InlineBtn{Text: "➡️", Unique: cbRepos, Data: strconv.Itoa(page + 1)})
	}
	rows = append(rows, nav)
	return reply(c, edit, b.String(), keyboard.InlineButtonsRows(rows...))
}

func (s *Shell) onRepoAction(c tele.Context) error {
	parts, err := callbacks.PayloadParts(c, "|", 3)
	if err != nil {
		return s.UnknownCallback()(c)
	}
	page, err1 := strconv.Atoi(parts[1])
	idx, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return s.UnknownCallback()(c)
	}
	repos, cred, err := s.listRepos(c, page)
	if err != nil {
		return tghelpers.SendText(c, session.Describe(err))
	}
	if cred == nil || idx < 0 || idx >= len(repos) {
		return s.UnknownCallback()(c)
	}
	target := session.WithTarget(repos[idx].Ref(), "")
	switch parts[0] {
	case "pub":
		return s.begin(c, session.FlowPublish, target)
	case "edit":
		return s.begin(c, session.FlowEditFile, target)
	case "del":
		return s.begin(c, session.FlowDeleteRepo, target)
	}
	return s.UnknownCallback()(c)
}

// reply edits the message behind a callback or sends a new one.
func reply(c tele.Context, edit bool, text string, rm *tele.ReplyMarkup) error {
	if edit && c.Callback() != nil {
		return tghelpers.EditOrSendMD(c, text, rm)
	}
	return tghelpers.SendMD(c, text, rm)
}
