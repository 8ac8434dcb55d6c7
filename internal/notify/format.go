// Package notify renders sync reports and subscription notices and delivers
// them through the Telegram bot.
package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/panelsync"
)

// maxListedErrors caps how many record errors an admin report spells out.
const maxListedErrors = 10

// FormatRunReport renders a full pass report as Telegram HTML.
func FormatRunReport(r panelsync.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<b>Panel sync %s</b>\n", statusLabel(r.Status))
	fmt.Fprintf(&b, "Run: <code>%s</code>\n", html.EscapeString(r.RunID))
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, "Took: %s\n", d.Round(time.Millisecond))
	}

	if r.Status == panelsync.StatusFailed {
		fmt.Fprintf(&b, "\nReason: %s\n", html.EscapeString(r.FailureReason))
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Records checked: %s\n", humanize.Comma(int64(r.RecordsChecked)))
	fmt.Fprintf(&b, "Users found: %d, created: %d, updated: %d\n", r.UsersFound, r.UsersCreated, r.UsersUpdated)
	fmt.Fprintf(&b, "Panel links moved: %d\n", r.UUIDsRelinked)
	fmt.Fprintf(&b, "Without Telegram id: %d (skipped %d)\n", r.WithoutTelegramID, r.SkippedUnaddressable)
	fmt.Fprintf(&b, "Subscriptions created: %d, updated: %d\n", r.SubscriptionsCreated, r.SubscriptionsUpdated)

	if n := r.ErrorCount(); n > 0 {
		fmt.Fprintf(&b, "\n<b>Errors (%d)</b>\n", n)
		for i, msg := range r.Errors {
			if i == maxListedErrors {
				fmt.Fprintf(&b, "… and %d more\n", n-maxListedErrors)
				break
			}
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(msg))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// StatusLine is the one-line answer to an admin who triggered a pass.
func StatusLine(r panelsync.Report) string {
	switch r.Status {
	case panelsync.StatusSuccess:
		return fmt.Sprintf("Sync finished: %d users, %d subscriptions touched.", r.UsersTouched(), r.SubscriptionsTouched())
	case panelsync.StatusSuccessWithErrors:
		return fmt.Sprintf("Sync finished with %s.", english.Plural(r.ErrorCount(), "error", "errors"))
	default:
		return "Sync failed: " + r.FailureReason
	}
}

// FormatSyncStatus renders the persisted last-run row as Telegram HTML.
func FormatSyncStatus(s domain.SyncStatus, now time.Time) string {
	if s.LastRunAt.IsZero() {
		return "Panel sync has not run yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Last panel sync:</b> %s\n", html.EscapeString(s.Status))
	fmt.Fprintf(&b, "When: %s (%s)\n", s.LastRunAt.UTC().Format("2006-01-02 15:04:05 UTC"), humanize.RelTime(s.LastRunAt, now, "ago", "from now"))
	fmt.Fprintf(&b, "Users touched: %d\n", s.UsersTouched)
	fmt.Fprintf(&b, "Subscriptions touched: %d\n", s.SubscriptionsTouched)
	fmt.Fprintf(&b, "Errors: %d\n", s.ErrorCount)
	if s.Details != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(s.Details))
	}
	return strings.TrimRight(b.String(), "\n")
}

// TrafficLimit renders a byte limit for humans; zero means unlimited.
func TrafficLimit(bytes int64) string {
	if bytes <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytes))
}

func statusLabel(s panelsync.Status) string {
	switch s {
	case panelsync.StatusSuccess:
		return "succeeded"
	case panelsync.StatusSuccessWithErrors:
		return "finished with errors"
	default:
		return "failed"
	}
}
