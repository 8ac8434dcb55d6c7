package panelsync

import (
	"context"
	"errors"
	"fmt"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/panel"
)

// Resolution is the outcome of matching a panel record to a local user. It is
// one of Found, CreatableFromRemote or Unaddressable.
type Resolution interface {
	resolution()
}

// Found means an existing local user matched the record.
type Found struct {
	User domain.User
	// ByChatID is true when the match came from the Telegram id rather than
	// the stored panel UUID.
	ByChatID bool
}

// CreatableFromRemote means no local user matched but the record carries a
// Telegram id, so a linked user can be created from it.
type CreatableFromRemote struct {
	User domain.User
}

// Unaddressable means no local user matched and the record has no Telegram
// id to reach the user with.
type Unaddressable struct{}

func (Found) resolution()               {}
func (CreatableFromRemote) resolution() {}
func (Unaddressable) resolution()       {}

type userLookup interface {
	FindUserByTelegramID(ctx context.Context, userID int64) (domain.User, error)
	FindUserByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error)
}

// Resolve matches rec to a local user: Telegram id first, then the stored
// panel UUID. Lookup failures other than domain.ErrNotFound are returned.
func Resolve(ctx context.Context, users userLookup, rec panel.User) (Resolution, error) {
	chatID, hasChat := rec.ChatID()

	if hasChat {
		user, err := users.FindUserByTelegramID(ctx, chatID)
		switch {
		case err == nil:
			return Found{User: user, ByChatID: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("find user by telegram id %d: %w", chatID, err)
		}
	}

	if rec.UUID != "" {
		user, err := users.FindUserByPanelUUID(ctx, rec.UUID)
		switch {
		case err == nil:
			return Found{User: user}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("find user by panel uuid: %w", err)
		}
	}

	if !hasChat {
		return Unaddressable{}, nil
	}

	user := domain.User{UserID: chatID, Role: domain.RoleUser}
	if rec.UUID != "" {
		link := rec.UUID
		user.PanelUUID = &link
	}
	return CreatableFromRemote{User: user}, nil
}
