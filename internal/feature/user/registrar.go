// Package user keeps Telegram profiles of bot users in sync with the database
// and the panel.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/text/language"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/logging"
)

type userCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

// DescriptionUpdater pushes a user description to the panel.
type DescriptionUpdater interface {
	UpdateUserDescription(ctx context.Context, panelUUID, description string) error
}

// Profile is the Telegram-side view of a user.
type Profile struct {
	UserID       int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// SyncResult describes what SyncProfile did.
type SyncResult struct {
	// User is the stored record after the sync.
	User    domain.User
	Created bool
	Changed bool
}

// Registrar upserts users on every interaction and refreshes their profile.
type Registrar struct {
	users  userCollection
	panel  DescriptionUpdater
	logger *logrus.Entry
	now    func() time.Time
}

// NewRegistrar constructs a Registrar. panel may be nil to skip description
// updates.
func NewRegistrar(users userCollection, panel DescriptionUpdater, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:  users,
		panel:  panel,
		logger: logger,
		now:    time.Now,
	}
}

// SyncProfile upserts the user with a default role, refreshes last_seen_at and
// stores the current profile fields. When a linked user's profile changed the
// panel description is updated; that step only logs on failure.
func (r *Registrar) SyncProfile(ctx context.Context, p Profile) (SyncResult, error) {
	if r == nil || r.users == nil {
		return SyncResult{}, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return SyncResult{}, errors.New("context is required")
	}
	if p.UserID == 0 {
		return SyncResult{}, errors.New("user id is required")
	}

	p = normalizeProfile(p)
	now := r.now().UTC().Truncate(time.Millisecond)

	update := bson.M{
		"$set": bson.M{
			"username":      p.Username,
			"first_name":    p.FirstName,
			"last_name":     p.LastName,
			"language_code": p.LanguageCode,
			"updated_at":    now,
			"last_seen_at":  now,
		},
		"$setOnInsert": bson.M{
			"user_id":    p.UserID,
			"role":       domain.RoleUser,
			"is_banned":  false,
			"created_at": now,
		},
	}

	var before domain.User
	err := r.users.FindOneAndUpdate(ctx,
		bson.M{"user_id": p.UserID},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)

	created := errors.Is(err, mongo.ErrNoDocuments)
	if err != nil && !created {
		return SyncResult{}, fmt.Errorf("sync user profile: %w", err)
	}

	result := SyncResult{Created: created}
	if created {
		result.User = domain.User{UserID: p.UserID, Role: domain.RoleUser, CreatedAt: now}
		r.logger.WithFields(logging.Fields{
			"event":   "user_registered",
			"user_id": p.UserID,
		}).Info("registered new user")
	} else {
		result.User = before
		result.Changed = profileChanged(before, p)
	}
	applyProfile(&result.User, p, now)

	if result.Changed {
		r.logger.WithFields(logging.Fields{
			"event":   "user_profile_updated",
			"user_id": p.UserID,
		}).Info("user profile changed")
		r.pushDescription(ctx, result.User)
	}

	return result, nil
}

func (r *Registrar) pushDescription(ctx context.Context, u domain.User) {
	link := u.LinkedPanelUUID()
	if r.panel == nil || link == "" {
		return
	}

	if err := r.panel.UpdateUserDescription(ctx, link, Description(u)); err != nil {
		logging.Enrich(r.logger, logging.Context{UserID: u.UserID, PanelUUID: link}).WithFields(logging.Fields{
			"event": "panel_description_failed",
			"error": err.Error(),
		}).Warn("failed to update panel description")
	}
}

// Description is the panel description for u: username, first and last name
// on separate lines.
func Description(u domain.User) string {
	return strings.Join([]string{u.Username, u.FirstName, u.LastName}, "\n")
}

// NormalizeLanguage reduces a Telegram language code to its base language,
// e.g. "pt-BR" becomes "pt". Unparseable codes are returned lowercased.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	base, _ := tag.Base()
	return base.String()
}

func normalizeProfile(p Profile) Profile {
	p.Username = strings.TrimSpace(p.Username)
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.LanguageCode = NormalizeLanguage(p.LanguageCode)
	return p
}

func profileChanged(u domain.User, p Profile) bool {
	return u.Username != p.Username ||
		u.FirstName != p.FirstName ||
		u.LastName != p.LastName ||
		u.LanguageCode != p.LanguageCode
}

func applyProfile(u *domain.User, p Profile, now time.Time) {
	u.Username = p.Username
	u.FirstName = p.FirstName
	u.LastName = p.LastName
	u.LanguageCode = p.LanguageCode
	u.UpdatedAt = now
	u.LastSeenAt = now
}
