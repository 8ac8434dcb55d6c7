package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_vpn_shop_bot/internal/feature/user"
	"tg_vpn_shop_bot/internal/logging"
)

type profileKey struct{}

// profileSync upserts the sender before any handler runs and stores the
// result in the context for later middleware.
func (c *Client) profileSync(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		meta := extractUpdateMeta(update)
		if c.deps.Profiles != nil && meta.from != nil && !meta.from.IsBot {
			res, err := c.deps.Profiles.SyncProfile(ctx, user.Profile{
				UserID:       meta.from.ID,
				Username:     meta.from.Username,
				FirstName:    meta.from.FirstName,
				LastName:     meta.from.LastName,
				LanguageCode: meta.from.LanguageCode,
			})
			if err != nil {
				logging.Enrich(c.logger, logging.Context{UserID: meta.userID}).WithFields(logging.Fields{
					"event": "profile_sync_failed",
					"error": err.Error(),
				}).Warn("failed to sync user profile")
			} else {
				ctx = context.WithValue(ctx, profileKey{}, res)
			}
		}

		next(ctx, b, update)
	}
}

// banGuard drops updates from banned users. Admins are never blocked.
func (c *Client) banGuard(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		res, ok := ctx.Value(profileKey{}).(user.SyncResult)
		if ok && res.User.IsBanned && !c.isAdmin(ctx, res.User.UserID) {
			logging.Enrich(c.logger, logging.Context{UserID: res.User.UserID}).
				WithField("event", "banned_user_ignored").
				Debug("ignoring update from banned user")
			return
		}
		next(ctx, b, update)
	}
}
