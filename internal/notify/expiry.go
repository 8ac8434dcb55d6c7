package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/config"
	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/panel"
)

// Panel webhook event names handled by ExpiryNotifier.
const (
	EventExpiresIn72Hours  = "user.expires_in_72_hours"
	EventExpiresIn48Hours  = "user.expires_in_48_hours"
	EventExpiresIn24Hours  = "user.expires_in_24_hours"
	EventExpired           = "user.expired"
	EventExpired24HoursAgo = "user.expired_24_hours_ago"
)

var daysLeftByEvent = map[string]int{
	EventExpiresIn72Hours: 3,
	EventExpiresIn48Hours: 2,
	EventExpiresIn24Hours: 1,
}

// ErrUnknownEvent is returned for panel events without a notice.
var ErrUnknownEvent = errors.New("unknown panel event")

type userFinder interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
}

// ExpiryNotifier turns panel expiry events into user notices.
type ExpiryNotifier struct {
	sender Sender
	users  userFinder
	cfg    config.NotificationConfig
	logger *logrus.Entry
}

// NewExpiryNotifier wires an ExpiryNotifier. users may be nil; names then
// fall back to a generic greeting.
func NewExpiryNotifier(sender Sender, users userFinder, cfg config.NotificationConfig, logger *logrus.Entry) (*ExpiryNotifier, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &ExpiryNotifier{sender: sender, users: users, cfg: cfg, logger: logger}, nil
}

// HandleEvent sends the notice for event to the user in rec. It reports
// whether a message was sent.
func (n *ExpiryNotifier) HandleEvent(ctx context.Context, event string, rec panel.User) (bool, error) {
	text, ok := noticeTemplate(event)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	chatID, hasChat := rec.ChatID()
	log := logging.Enrich(n.logger, logging.Context{UserID: chatID, PanelUUID: rec.UUID, Event: "panel_event"})
	if !hasChat {
		log.WithField("panel_event", event).Warn("panel event without telegram id")
		return false, nil
	}
	if !n.cfg.Enabled {
		return false, nil
	}
	if days, ok := daysLeftByEvent[event]; ok && days > n.cfg.DaysBefore {
		return false, nil
	}

	msg := fmt.Sprintf(text, n.displayName(ctx, chatID), expiryDate(rec))
	if _, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: msg}); err != nil {
		return false, fmt.Errorf("send expiry notice to %d: %w", chatID, err)
	}

	log.WithField("panel_event", event).Info("expiry notice sent")
	return true, nil
}

func (n *ExpiryNotifier) displayName(ctx context.Context, userID int64) string {
	fallback := fmt.Sprintf("User %d", userID)
	if n.users == nil {
		return fallback
	}
	u, err := n.users.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			n.logger.WithFields(logrus.Fields{
				"event":   "panel_event_user_lookup_failed",
				"user_id": userID,
				"error":   err.Error(),
			}).Warn("failed to load user for notice")
		}
		return fallback
	}
	if name := strings.TrimSpace(u.FirstName); name != "" {
		return name
	}
	return fallback
}

func noticeTemplate(event string) (string, bool) {
	switch event {
	case EventExpiresIn72Hours, EventExpiresIn48Hours, EventExpiresIn24Hours:
		return "Hi %s! Your VPN subscription ends on %s. Renew it to stay connected.", true
	case EventExpired:
		return "Hi %s, your VPN subscription expired on %s.", true
	case EventExpired24HoursAgo:
		return "Hi %s, your VPN subscription ended yesterday (%s). You can renew it any time.", true
	default:
		return "", false
	}
}

func expiryDate(rec panel.User) string {
	if t, ok, err := rec.ExpiresAt(); err == nil && ok {
		return t.UTC().Format("2006-01-02")
	}
	if raw := strings.TrimSpace(rec.ExpireAt); len(raw) >= 10 {
		return raw[:10]
	}
	return "soon"
}
