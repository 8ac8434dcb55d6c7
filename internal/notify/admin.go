package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/panelsync"
)

// Sender is the slice of the Telegram bot API used for outgoing messages.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// AdminSource lists the Telegram ids that receive admin notices.
type AdminSource interface {
	AdminIDs(ctx context.Context) ([]int64, error)
}

// AdminNotifier delivers pass reports to every admin.
type AdminNotifier struct {
	sender Sender
	admins AdminSource
	logger *logrus.Entry
}

// NewAdminNotifier wires an AdminNotifier.
func NewAdminNotifier(sender Sender, admins AdminSource, logger *logrus.Entry) (*AdminNotifier, error) {
	if sender == nil || admins == nil {
		return nil, errors.New("sender and admin source are required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &AdminNotifier{sender: sender, admins: admins, logger: logger}, nil
}

// NotifyRunReport sends the rendered report to each admin. Every admin is
// attempted; failures are joined into the returned error.
func (n *AdminNotifier) NotifyRunReport(ctx context.Context, report panelsync.Report) error {
	return n.Broadcast(ctx, FormatRunReport(report))
}

// Broadcast sends an HTML message to every admin.
func (n *AdminNotifier) Broadcast(ctx context.Context, text string) error {
	ids, err := n.admins.AdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	var errs []error
	for _, id := range ids {
		_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    id,
			Text:      text,
			ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"event":   "admin_notify_failed",
				"user_id": id,
				"error":   err.Error(),
			}).Warn("failed to notify admin")
			errs = append(errs, fmt.Errorf("notify admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
