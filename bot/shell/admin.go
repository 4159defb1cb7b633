package shell

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/session"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/telegram/callbacks"
	"github.com/m3rciful/gitpush/core/telegram/format"
	tghelpers "github.com/m3rciful/gitpush/core/telegram/helpers"
	"github.com/m3rciful/gitpush/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

func (s *Shell) onAdmin(c tele.Context) error { return s.showUsers(c, 1, false) }

func (s *Shell) onBroadcast(c tele.Context) error { return s.begin(c, session.FlowBroadcast) }

func adminBtn(text, action string, arg any) keyboard.InlineBtn {
	return keyboard.InlineBtn{Text: text, Unique: cbAdmin, Data: callbacks.Payload("|", action, fmt.Sprint(arg))}
}

func (s *Shell) showUsers(c tele.Context, page int, edit bool) error {
	p, err := s.accounts.Users(tghelpers.BuildContext(c), page, s.perPage)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Users*: %d, page %d of %d\n", p.Total, p.Page, p.Pages())
	btns := make([]keyboard.InlineBtn, 0, len(p.Users))
	for _, u := range p.Users {
		fmt.Fprintf(&b, "%s %s\n", format.Code(strconv.FormatInt(u.ID, 10)), userLabel(u))
		btns = append(btns, adminBtn(userButton(u), "user", u.ID))
	}
	rm := keyboard.InlineButtonsNPerRow(btns, 2)
	var nav []keyboard.InlineBtn
	if p.Page > 1 {
		nav = append(nav, adminBtn("⬅️", "users", p.Page-1))
	}
	if p.Page < p.Pages() {
		nav = append(nav, adminBtn("➡️", "users", p.Page+1))
	}
	rm = keyboard.WithRows(rm, nav, []keyboard.InlineBtn{adminBtn("📣 Broadcast", "bcast", 0)})
	return reply(c, edit, b.String(), rm)
}

func userLabel(u accounts.User) string {
	name := format.Markdown(u.FirstName)
	if name == "" {
		name = "(no name)"
	}
	if u.Banned {
		name += " 🚫"
	}
	return name
}

func userButton(u accounts.User) string {
	name := u.FirstName
	if name == "" {
		name = strconv.FormatInt(u.ID, 10)
	}
	if u.Banned {
		return "🚫 " + name
	}
	return "👤 " + name
}

func (s *Shell) showUser(c tele.Context, id int64) error {
	ctx := tghelpers.BuildContext(c)
	u, err := s.accounts.User(ctx, id)
	if err != nil {
		return tghelpers.SendText(c, session.Describe(err))
	}
	tokens, err := s.accounts.List(ctx, id)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*User* %s %s\nJoined: %s\nTokens: %d\n",
		format.Code(strconv.FormatInt(u.ID, 10)), userLabel(u), u.CreatedAt.Format("2006-01-02"), len(tokens))
	for _, t := range tokens {
		if t.Active {
			fmt.Fprintf(&b, "Active: %s %s\n", format.Markdown(t.Login), format.Code(t.Masked()))
		}
	}
	ban := adminBtn("🚫 Ban", "ban", id)
	if u.Banned {
		ban = adminBtn("✅ Unban", "unban", id)
	}
	rm := keyboard.InlineButtonsRows(
		[]keyboard.InlineBtn{ban, adminBtn("🔑 Set token", "token", id)},
		[]keyboard.InlineBtn{adminBtn("⬅️ Users", "users", 1)},
	)
	return reply(c, true, b.String(), rm)
}

func (s *Shell) onAdminAction(c tele.Context) error {
	if !s.isAdmin(c.Sender().ID) {
		return c.Respond(&tele.CallbackResponse{Text: msgAdminOnly})
	}
	parts, err := callbacks.PayloadParts(c, "|", 2)
	if err != nil {
		return s.UnknownCallback()(c)
	}
	arg, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return s.UnknownCallback()(c)
	}
	ctx := tghelpers.BuildContext(c)
	switch parts[0] {
	case "users":
		return s.showUsers(c, int(max(arg, 1)), true)
	case "user":
		return s.showUser(c, arg)
	case "ban", "unban":
		if s.isAdmin(arg) {
			return c.Respond(&tele.CallbackResponse{Text: "The administrator cannot be banned."})
		}
		banned := parts[0] == "ban"
		if err := s.accounts.SetBanned(ctx, arg, banned); err != nil {
			return err
		}
		logger.Info(ctx, component, "admin."+parts[0], slog.String("status", "ok"), slog.Int64("target_user_id", arg))
		if s.InProgress(arg) && banned {
			s.machine().Cancel(ctx, arg)
		}
		return s.showUser(c, arg)
	case "token":
		return s.begin(c, session.FlowAdminCredential, session.WithTargetUser(arg))
	case "bcast":
		return s.begin(c, session.FlowBroadcast)
	}
	return s.UnknownCallback()(c)
}
