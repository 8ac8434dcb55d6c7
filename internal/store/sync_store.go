package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_vpn_shop_bot/internal/domain"
)

type userRepository interface {
	Create(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	FindByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error)
	ApplyPatch(ctx context.Context, userID int64, patch domain.UserPatch) error
}

type subscriptionRepository interface {
	Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	FindByPanelSubscriptionUUID(ctx context.Context, panelSubUUID string) (domain.Subscription, error)
	ListCurrentForUser(ctx context.Context, userID int64, now time.Time) ([]domain.Subscription, error)
	ApplyPatch(ctx context.Context, subscriptionID string, patch domain.SubscriptionPatch) error
}

type transactor interface {
	RunInTransaction(ctx context.Context, fn func(context.Context) error) error
}

// SyncStore is the persistence surface of the panel reconciler. Lookups go
// straight to the repositories; writes are applied as one change set.
type SyncStore struct {
	users         userRepository
	subscriptions subscriptionRepository
	tx            transactor
}

// NewSyncStore wires the repositories with the transaction runner.
func NewSyncStore(users userRepository, subscriptions subscriptionRepository, tx transactor) *SyncStore {
	return &SyncStore{users: users, subscriptions: subscriptions, tx: tx}
}

func (s *SyncStore) FindUserByTelegramID(ctx context.Context, userID int64) (domain.User, error) {
	if err := s.check(); err != nil {
		return domain.User{}, err
	}
	return s.users.GetByID(ctx, userID)
}

func (s *SyncStore) FindUserByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error) {
	if err := s.check(); err != nil {
		return domain.User{}, err
	}
	return s.users.FindByPanelUUID(ctx, panelUUID)
}

func (s *SyncStore) FindSubscriptionByPanelUUID(ctx context.Context, panelSubUUID string) (domain.Subscription, error) {
	if err := s.check(); err != nil {
		return domain.Subscription{}, err
	}
	return s.subscriptions.FindByPanelSubscriptionUUID(ctx, panelSubUUID)
}

func (s *SyncStore) FindCurrentSubscriptions(ctx context.Context, userID int64, now time.Time) ([]domain.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.subscriptions.ListCurrentForUser(ctx, userID, now)
}

// ApplyChanges commits the change set as a unit. Panel links are released before
// inserts and new links are written last, so the unique panel_user_uuid index
// never sees a transient duplicate when a link moves between users.
func (s *SyncStore) ApplyChanges(ctx context.Context, changes domain.ChangeSet) error {
	if err := s.check(); err != nil {
		return err
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if changes.IsEmpty() {
		return nil
	}

	return s.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		for _, upd := range changes.UserUpdates {
			if upd.Patch.PanelUUID == nil && !upd.Patch.ClearPanelUUID {
				continue
			}
			if err := s.users.ApplyPatch(txCtx, upd.UserID, domain.UserPatch{ClearPanelUUID: true}); err != nil {
				return fmt.Errorf("unlink user %d: %w", upd.UserID, err)
			}
		}

		for _, u := range changes.UserInserts {
			if _, err := s.users.Create(txCtx, u); err != nil {
				return fmt.Errorf("create user %d: %w", u.UserID, err)
			}
		}

		for _, upd := range changes.UserUpdates {
			if upd.Patch.PanelUUID == nil {
				continue
			}
			if err := s.users.ApplyPatch(txCtx, upd.UserID, domain.UserPatch{PanelUUID: upd.Patch.PanelUUID}); err != nil {
				return fmt.Errorf("link user %d: %w", upd.UserID, err)
			}
		}

		for _, sub := range changes.SubscriptionInserts {
			if _, err := s.subscriptions.Create(txCtx, sub); err != nil {
				return fmt.Errorf("create subscription %s: %w", sub.SubscriptionID, err)
			}
		}

		for _, upd := range changes.SubscriptionUpdates {
			if err := s.subscriptions.ApplyPatch(txCtx, upd.SubscriptionID, upd.Patch); err != nil {
				return fmt.Errorf("update subscription %s: %w", upd.SubscriptionID, err)
			}
		}

		return nil
	})
}

func (s *SyncStore) check() error {
	if s == nil || s.users == nil || s.subscriptions == nil || s.tx == nil {
		return errors.New("sync store is not initialized")
	}
	return nil
}
