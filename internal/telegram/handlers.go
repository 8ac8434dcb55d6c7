package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/feature/user"
	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/notify"
	"tg_vpn_shop_bot/internal/panelsync"
	"tg_vpn_shop_bot/internal/session"
	"tg_vpn_shop_bot/internal/store"
)

// ProfileSyncer upserts users from their Telegram profile.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, p user.Profile) (user.SyncResult, error)
}

// AdminDirectory answers admin membership questions.
type AdminDirectory interface {
	AdminIDs(ctx context.Context) ([]int64, error)
	IsAdmin(ctx context.Context, userID int64) bool
}

// SyncRunner runs one panel reconciliation pass. started fires once the pass
// is under way and never for a rejected pass.
type SyncRunner interface {
	RunWithStart(ctx context.Context, started func(runID string)) (panelsync.Report, error)
}

// SyncStatusReader loads the last persisted pass summary.
type SyncStatusReader interface {
	Get(ctx context.Context) (domain.SyncStatus, error)
}

// StatsReader returns collection counts.
type StatsReader interface {
	Snapshot(ctx context.Context) (store.Stats, error)
}

// UserLookup finds users for the admin user card.
type UserLookup interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	FindByUsername(ctx context.Context, username string) (domain.User, error)
}

// SubscriptionLister lists a user's subscriptions, latest end date first.
type SubscriptionLister interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.Subscription, error)
}

// BanSetter toggles a user's ban flag.
type BanSetter interface {
	SetBanned(ctx context.Context, userID int64, banned bool) error
}

// Deps are the collaborators of the command handlers. Nil members disable
// the features that need them.
type Deps struct {
	Profiles      ProfileSyncer
	Admins        AdminDirectory
	Sync          SyncRunner
	SyncStatus    SyncStatusReader
	Stats         StatsReader
	Users         UserLookup
	Subscriptions SubscriptionLister
	Bans          BanSetter
	Sessions      session.Store
	Now           func() time.Time
}

const (
	textWelcome        = "Welcome! Use /support to reach our team."
	textSupportPrompt  = "Send your question in the next message and we will forward it to support."
	textSupportSent    = "Your message was sent to support. We will reply here."
	textSupportOff     = "Support is not available right now."
	textSyncStarted    = "Panel sync started."
	textSyncBusy       = "A panel sync is already running."
	textUserNotFound   = "User not found."
	textCommandFailed  = "Something went wrong, please try again later."
	textAdminProtected = "Admins cannot be banned."
	textUserUsage      = "Usage: /user <user_id|@username>"
)

// maxCardSubscriptions caps the subscriptions listed on a user card.
const maxCardSubscriptions = 5

func (c *Client) dispatch(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	log := logging.Enrich(c.logger, logging.Context{UserID: meta.userID, ChatID: meta.chatID})
	log.WithFields(logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}).Debug("telegram update received")

	if meta.updateType != "message" || meta.userID == 0 {
		return
	}

	name, args, isCommand := command(meta.text)
	if !isCommand {
		c.forwardSupportMessage(ctx, meta)
		return
	}

	switch name {
	case "start":
		c.reply(ctx, meta.chatID, textWelcome)
	case "support":
		c.openSupport(ctx, meta, args)
	case "sync", "sync_status", "stats", "user", "ban", "unban", "reply":
		if !c.isAdmin(ctx, meta.userID) {
			log.WithFields(logging.Fields{"event": "admin_command_denied", "command": name}).Warn("non-admin used admin command")
			return
		}
		c.adminCommand(ctx, meta, name, args)
	default:
		log.WithFields(logging.Fields{"event": "unknown_command", "command": name}).Debug("unknown command")
	}
}

func (c *Client) adminCommand(ctx context.Context, meta updateMeta, name, args string) {
	switch name {
	case "sync":
		c.runSync(ctx, meta)
	case "sync_status":
		c.showSyncStatus(ctx, meta)
	case "stats":
		c.showStats(ctx, meta)
	case "user":
		c.showUser(ctx, meta, args)
	case "ban":
		c.setBanned(ctx, meta, args, true)
	case "unban":
		c.setBanned(ctx, meta, args, false)
	case "reply":
		c.replyToUser(ctx, meta, args)
	}
}

// runSync detaches the pass from the update context so a bot shutdown cannot
// cut a commit in half.
func (c *Client) runSync(ctx context.Context, meta updateMeta) {
	if c.deps.Sync == nil {
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}

	runCtx := context.WithoutCancel(ctx)
	report, err := c.deps.Sync.RunWithStart(runCtx, func(string) {
		c.reply(runCtx, meta.chatID, textSyncStarted)
	})
	if errors.Is(err, panelsync.ErrRunInProgress) {
		c.reply(runCtx, meta.chatID, textSyncBusy)
		return
	}
	if err != nil && report.Status == "" {
		c.logCommandError(meta, "sync", err)
		c.reply(runCtx, meta.chatID, textCommandFailed)
		return
	}
	c.reply(runCtx, meta.chatID, notify.StatusLine(report))
}

func (c *Client) showSyncStatus(ctx context.Context, meta updateMeta) {
	if c.deps.SyncStatus == nil {
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}

	status, err := c.deps.SyncStatus.Get(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logCommandError(meta, "sync_status", err)
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}
	c.replyHTML(ctx, meta.chatID, notify.FormatSyncStatus(status, c.now()))
}

func (c *Client) showStats(ctx context.Context, meta updateMeta) {
	if c.deps.Stats == nil {
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}

	stats, err := c.deps.Stats.Snapshot(ctx)
	if err != nil {
		c.logCommandError(meta, "stats", err)
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}
	c.replyHTML(ctx, meta.chatID, formatStats(stats))
}

func (c *Client) showUser(ctx context.Context, meta updateMeta, args string) {
	if c.deps.Users == nil {
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}
	query := strings.TrimSpace(args)
	if query == "" {
		c.reply(ctx, meta.chatID, textUserUsage)
		return
	}

	var (
		u   domain.User
		err error
	)
	if id, idErr := parseUserID(query); idErr == nil {
		u, err = c.deps.Users.GetByID(ctx, id)
	} else {
		u, err = c.deps.Users.FindByUsername(ctx, query)
	}
	if errors.Is(err, domain.ErrNotFound) {
		c.reply(ctx, meta.chatID, textUserNotFound)
		return
	}
	if err != nil {
		c.logCommandError(meta, "user", err)
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}

	var subs []domain.Subscription
	if c.deps.Subscriptions != nil {
		subs, err = c.deps.Subscriptions.ListByUser(ctx, u.UserID)
		if err != nil {
			c.logCommandError(meta, "user", err)
			c.reply(ctx, meta.chatID, textCommandFailed)
			return
		}
	}
	c.replyHTML(ctx, meta.chatID, formatUserCard(u, subs, c.now()))
}

func (c *Client) setBanned(ctx context.Context, meta updateMeta, args string, banned bool) {
	verb := "ban"
	if !banned {
		verb = "unban"
	}

	target, err := parseUserID(args)
	if err != nil || c.deps.Bans == nil {
		c.reply(ctx, meta.chatID, fmt.Sprintf("Usage: /%s <user_id>", verb))
		return
	}
	if banned && c.isAdmin(ctx, target) {
		c.reply(ctx, meta.chatID, textAdminProtected)
		return
	}

	err = c.deps.Bans.SetBanned(ctx, target, banned)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.reply(ctx, meta.chatID, textUserNotFound)
	case err != nil:
		c.logCommandError(meta, verb, err)
		c.reply(ctx, meta.chatID, textCommandFailed)
	default:
		c.logger.WithFields(logging.Fields{
			"event":     "user_" + verb + "ned",
			"user_id":   target,
			"admin_id":  meta.userID,
			"is_banned": banned,
		}).Info("user ban flag changed")
		c.reply(ctx, meta.chatID, fmt.Sprintf("User %d %sned.", target, verb))
	}
}

func (c *Client) replyToUser(ctx context.Context, meta updateMeta, args string) {
	rawID, text, _ := strings.Cut(args, " ")
	target, err := parseUserID(rawID)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		c.reply(ctx, meta.chatID, "Usage: /reply <user_id> <text>")
		return
	}

	if _, err := c.SendMessage(ctx, &bot.SendMessageParams{ChatID: target, Text: "Support: " + text}); err != nil {
		c.logCommandError(meta, "reply", err)
		c.reply(ctx, meta.chatID, fmt.Sprintf("Could not deliver the reply to %d.", target))
		return
	}
	c.reply(ctx, meta.chatID, "Reply sent.")
}

func (c *Client) openSupport(ctx context.Context, meta updateMeta, topic string) {
	if c.deps.Sessions == nil {
		c.reply(ctx, meta.chatID, textSupportOff)
		return
	}

	if _, err := c.deps.Sessions.Open(ctx, meta.userID, topic); err != nil {
		c.logCommandError(meta, "support", err)
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}
	c.reply(ctx, meta.chatID, textSupportPrompt)
}

func (c *Client) forwardSupportMessage(ctx context.Context, meta updateMeta) {
	if c.deps.Sessions == nil || c.deps.Admins == nil || meta.text == "" {
		return
	}

	sess, err := c.deps.Sessions.Get(ctx, meta.userID)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		c.logCommandError(meta, "support_forward", err)
		return
	}

	admins, err := c.deps.Admins.AdminIDs(ctx)
	if err != nil || len(admins) == 0 {
		c.logCommandError(meta, "support_forward", fmt.Errorf("no admins to forward to: %v", err))
		c.reply(ctx, meta.chatID, textSupportOff)
		return
	}

	text := supportForwardText(meta, sess)
	delivered := 0
	for _, id := range admins {
		if _, err := c.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text, ParseMode: models.ParseModeHTML}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":    "support_forward_failed",
				"admin_id": id,
				"error":    err.Error(),
			}).Warn("failed to forward support message")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		c.reply(ctx, meta.chatID, textCommandFailed)
		return
	}

	if err := c.deps.Sessions.Close(ctx, meta.userID); err != nil {
		c.logCommandError(meta, "support_close", err)
	}
	c.reply(ctx, meta.chatID, textSupportSent)
}

func supportForwardText(meta updateMeta, sess domain.SupportSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Support request</b> from <code>%d</code>", meta.userID)
	if meta.from != nil && meta.from.Username != "" {
		fmt.Fprintf(&b, " (@%s)", html.EscapeString(meta.from.Username))
	}
	if sess.Topic != "" {
		fmt.Fprintf(&b, "\nTopic: %s", html.EscapeString(sess.Topic))
	}
	fmt.Fprintf(&b, "\n\n%s\n\nAnswer with /reply %d <text>", html.EscapeString(meta.text), meta.userID)
	return b.String()
}

func formatUserCard(u domain.User, subs []domain.Subscription, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>User</b> <code>%d</code>", u.UserID)
	if u.Username != "" {
		fmt.Fprintf(&b, " (@%s)", html.EscapeString(u.Username))
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		fmt.Fprintf(&b, "\nName: %s", html.EscapeString(name))
	}
	fmt.Fprintf(&b, "\nRole: %s", html.EscapeString(u.Role))
	if u.IsBanned {
		b.WriteString("\nBanned: yes")
	} else {
		b.WriteString("\nBanned: no")
	}
	if link := u.LinkedPanelUUID(); link != "" {
		fmt.Fprintf(&b, "\nPanel: <code>%s</code>", html.EscapeString(link))
	} else {
		b.WriteString("\nPanel: not linked")
	}
	if !u.LastSeenAt.IsZero() {
		fmt.Fprintf(&b, "\nLast seen: %s", humanize.RelTime(u.LastSeenAt, now, "ago", "from now"))
	}

	if len(subs) == 0 {
		b.WriteString("\n\nNo subscriptions.")
		return b.String()
	}

	fmt.Fprintf(&b, "\n\n<b>Subscriptions</b> (%d)", len(subs))
	for i, sub := range subs {
		if i == maxCardSubscriptions {
			fmt.Fprintf(&b, "\n… and %d more", len(subs)-maxCardSubscriptions)
			break
		}
		state := "inactive"
		if sub.IsCurrent(now) {
			state = "current"
		}
		fmt.Fprintf(&b, "\n• %s until %s, %s, traffic %s",
			html.EscapeString(sub.StatusFromPanel),
			sub.EndDate.UTC().Format("2006-01-02"),
			state,
			notify.TrafficLimit(sub.TrafficLimitBytes),
		)
	}
	return b.String()
}

func formatStats(s store.Stats) string {
	return fmt.Sprintf(
		"<b>Stats</b>\nUsers: %s (banned %s, linked to panel %s)\nSubscriptions: %s (active %s)",
		humanize.Comma(s.Users), humanize.Comma(s.BannedUsers), humanize.Comma(s.LinkedUsers),
		humanize.Comma(s.Subscriptions), humanize.Comma(s.ActiveSubscriptions),
	)
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("user id must be positive")
	}
	return id, nil
}

func (c *Client) isAdmin(ctx context.Context, userID int64) bool {
	return c.deps.Admins != nil && c.deps.Admins.IsAdmin(ctx, userID)
}

func (c *Client) now() time.Time {
	if c.deps.Now != nil {
		return c.deps.Now()
	}
	return time.Now()
}

func (c *Client) reply(ctx context.Context, chatID int64, text string) {
	c.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
}

func (c *Client) replyHTML(ctx context.Context, chatID int64, text string) {
	c.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text, ParseMode: models.ParseModeHTML})
}

func (c *Client) send(ctx context.Context, params *bot.SendMessageParams) {
	if _, err := c.SendMessage(ctx, params); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": params.ChatID,
			"error":   err.Error(),
		}).Warn("failed to send telegram message")
	}
}

func (c *Client) logCommandError(meta updateMeta, name string, err error) {
	logging.Enrich(c.logger, logging.Context{UserID: meta.userID, ChatID: meta.chatID}).WithFields(logging.Fields{
		"event":   "command_failed",
		"command": name,
		"error":   err.Error(),
	}).Error("telegram command failed")
}
