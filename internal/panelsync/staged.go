package panelsync

import (
	"context"
	"fmt"
	"time"

	"tg_vpn_shop_bot/internal/domain"
)

// staged layers the writes of the current pass over the store. Lookups see
// staged writes first, so a record later in the batch observes what earlier
// records did. Nothing reaches the store until ApplyChanges.
type staged struct {
	store Store

	users     map[int64]domain.User
	linkOwner map[string]int64

	subs       map[string]domain.Subscription
	subByPanel map[string]string

	userInsert map[int64]int
	userUpdate map[int64]int
	subInsert  map[string]int
	subUpdate  map[string]int

	changes domain.ChangeSet
}

func newStaged(store Store) *staged {
	return &staged{
		store:      store,
		users:      make(map[int64]domain.User),
		linkOwner:  make(map[string]int64),
		subs:       make(map[string]domain.Subscription),
		subByPanel: make(map[string]string),
		userInsert: make(map[int64]int),
		userUpdate: make(map[int64]int),
		subInsert:  make(map[string]int),
		subUpdate:  make(map[string]int),
	}
}

func (s *staged) FindUserByTelegramID(ctx context.Context, userID int64) (domain.User, error) {
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	return s.store.FindUserByTelegramID(ctx, userID)
}

func (s *staged) FindUserByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error) {
	if id, ok := s.linkOwner[panelUUID]; ok {
		return s.users[id], nil
	}

	u, err := s.store.FindUserByPanelUUID(ctx, panelUUID)
	if err != nil {
		return domain.User{}, err
	}
	if current, ok := s.users[u.UserID]; ok {
		if current.LinkedPanelUUID() != panelUUID {
			return domain.User{}, fmt.Errorf("panel uuid released in this pass: %w", domain.ErrNotFound)
		}
		return current, nil
	}
	return u, nil
}

func (s *staged) FindSubscriptionByPanelUUID(ctx context.Context, panelSubUUID string) (domain.Subscription, error) {
	if id, ok := s.subByPanel[panelSubUUID]; ok {
		return s.subs[id], nil
	}

	sub, err := s.store.FindSubscriptionByPanelUUID(ctx, panelSubUUID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current, ok := s.subs[sub.SubscriptionID]; ok {
		return current, nil
	}
	return sub, nil
}

// FindActiveSubscription merges the store's current subscriptions with those
// staged in this pass and returns the current one with the latest end date.
// Stored rows are judged by their staged state, so a subscription deactivated
// earlier in the pass no longer hides the next candidate.
func (s *staged) FindActiveSubscription(ctx context.Context, userID int64, now time.Time) (domain.Subscription, error) {
	var (
		best  domain.Subscription
		found bool
	)
	consider := func(sub domain.Subscription) {
		if sub.UserID != userID || !sub.IsCurrent(now) {
			return
		}
		if !found || sub.EndDate.After(best.EndDate) ||
			(sub.EndDate.Equal(best.EndDate) && sub.SubscriptionID < best.SubscriptionID) {
			best = sub
			found = true
		}
	}

	stored, err := s.store.FindCurrentSubscriptions(ctx, userID, now)
	if err != nil {
		return domain.Subscription{}, err
	}
	for _, sub := range stored {
		if _, ok := s.subs[sub.SubscriptionID]; ok {
			continue
		}
		consider(sub)
	}
	for _, sub := range s.subs {
		consider(sub)
	}

	if !found {
		return domain.Subscription{}, fmt.Errorf("active subscription for user %d: %w", userID, domain.ErrNotFound)
	}
	return best, nil
}

func (s *staged) createUser(u domain.User) {
	s.users[u.UserID] = u
	if link := u.LinkedPanelUUID(); link != "" {
		s.linkOwner[link] = u.UserID
	}
	s.userInsert[u.UserID] = len(s.changes.UserInserts)
	s.changes.UserInserts = append(s.changes.UserInserts, u)
}

func (s *staged) updateUser(base domain.User, patch domain.UserPatch) {
	u, ok := s.users[base.UserID]
	if !ok {
		u = base
	}

	if old := u.LinkedPanelUUID(); old != "" && s.linkOwner[old] == u.UserID {
		delete(s.linkOwner, old)
	}
	patch.Apply(&u)
	if link := u.LinkedPanelUUID(); link != "" {
		s.linkOwner[link] = u.UserID
	}
	s.users[u.UserID] = u

	if idx, ok := s.userInsert[u.UserID]; ok {
		s.changes.UserInserts[idx] = u
		return
	}
	if idx, ok := s.userUpdate[u.UserID]; ok {
		s.changes.UserUpdates[idx].Patch = s.changes.UserUpdates[idx].Patch.Merge(patch)
		return
	}
	s.userUpdate[u.UserID] = len(s.changes.UserUpdates)
	s.changes.UserUpdates = append(s.changes.UserUpdates, domain.UserUpdate{UserID: u.UserID, Patch: patch})
}

func (s *staged) createSubscription(sub domain.Subscription) {
	s.subs[sub.SubscriptionID] = sub
	if sub.PanelSubscriptionUUID != nil {
		s.subByPanel[*sub.PanelSubscriptionUUID] = sub.SubscriptionID
	}
	s.subInsert[sub.SubscriptionID] = len(s.changes.SubscriptionInserts)
	s.changes.SubscriptionInserts = append(s.changes.SubscriptionInserts, sub)
}

func (s *staged) updateSubscription(base domain.Subscription, patch domain.SubscriptionPatch) {
	sub, ok := s.subs[base.SubscriptionID]
	if !ok {
		sub = base
	}
	patch.Apply(&sub)
	s.subs[sub.SubscriptionID] = sub
	if sub.PanelSubscriptionUUID != nil {
		s.subByPanel[*sub.PanelSubscriptionUUID] = sub.SubscriptionID
	}

	if idx, ok := s.subInsert[sub.SubscriptionID]; ok {
		s.changes.SubscriptionInserts[idx] = sub
		return
	}
	if idx, ok := s.subUpdate[sub.SubscriptionID]; ok {
		s.changes.SubscriptionUpdates[idx].Patch = s.changes.SubscriptionUpdates[idx].Patch.Merge(patch)
		return
	}
	s.subUpdate[sub.SubscriptionID] = len(s.changes.SubscriptionUpdates)
	s.changes.SubscriptionUpdates = append(s.changes.SubscriptionUpdates, domain.SubscriptionUpdate{SubscriptionID: sub.SubscriptionID, Patch: patch})
}
