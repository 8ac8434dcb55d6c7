package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg_vpn_shop_bot/internal/domain"
)

func TestSyncStoreApplyChangesOrdersLinkMoves(t *testing.T) {
	log := &opLog{}
	users := &recordingUsers{log: log}
	subs := &recordingSubscriptions{log: log}
	tx := &recordingTx{}
	s := NewSyncStore(users, subs, tx)

	moved := "uuid-x"
	changes := domain.ChangeSet{
		UserInserts: []domain.User{{UserID: 30}},
		UserUpdates: []domain.UserUpdate{
			{UserID: 10, Patch: domain.UserPatch{PanelUUID: &moved}},
			{UserID: 20, Patch: domain.UserPatch{ClearPanelUUID: true}},
		},
		SubscriptionInserts: []domain.Subscription{{SubscriptionID: "s-new", UserID: 30}},
		SubscriptionUpdates: []domain.SubscriptionUpdate{{SubscriptionID: "s-old"}},
	}

	require.NoError(t, s.ApplyChanges(context.Background(), changes))
	assert.Equal(t, 1, tx.calls)
	assert.Equal(t, []string{
		"unlink 10",
		"unlink 20",
		"create user 30",
		"link 10 uuid-x",
		"create sub s-new",
		"patch sub s-old",
	}, log.ops)
}

func TestSyncStoreApplyChangesStopsOnFirstError(t *testing.T) {
	log := &opLog{}
	errInsert := errors.New("duplicate key")
	users := &recordingUsers{log: log, createErr: errInsert}
	subs := &recordingSubscriptions{log: log}
	s := NewSyncStore(users, subs, &recordingTx{})

	err := s.ApplyChanges(context.Background(), domain.ChangeSet{
		UserInserts:         []domain.User{{UserID: 1}},
		SubscriptionInserts: []domain.Subscription{{SubscriptionID: "a", UserID: 1}},
	})
	require.ErrorIs(t, err, errInsert)
	assert.Equal(t, []string{"create user 1"}, log.ops)
}

func TestSyncStoreApplyChangesSkipsEmptyChangeSet(t *testing.T) {
	tx := &recordingTx{}
	s := NewSyncStore(&recordingUsers{log: &opLog{}}, &recordingSubscriptions{log: &opLog{}}, tx)

	require.NoError(t, s.ApplyChanges(context.Background(), domain.ChangeSet{}))
	assert.Zero(t, tx.calls)
}

func TestSyncStoreRequiresInitialization(t *testing.T) {
	var s *SyncStore

	_, err := s.FindUserByTelegramID(context.Background(), 1)
	assert.Error(t, err)
	assert.Error(t, s.ApplyChanges(context.Background(), domain.ChangeSet{UserInserts: []domain.User{{UserID: 1}}}))
}

type opLog struct {
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

type recordingUsers struct {
	log       *opLog
	createErr error
}

func (r *recordingUsers) Create(ctx context.Context, user domain.User) (domain.User, error) {
	r.log.add("create user %d", user.UserID)
	return user, r.createErr
}

func (r *recordingUsers) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

func (r *recordingUsers) FindByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

func (r *recordingUsers) ApplyPatch(ctx context.Context, userID int64, patch domain.UserPatch) error {
	if patch.ClearPanelUUID {
		r.log.add("unlink %d", userID)
		return nil
	}
	r.log.add("link %d %s", userID, *patch.PanelUUID)
	return nil
}

type recordingSubscriptions struct {
	log *opLog
}

func (r *recordingSubscriptions) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.log.add("create sub %s", sub.SubscriptionID)
	return sub, nil
}

func (r *recordingSubscriptions) FindByPanelSubscriptionUUID(ctx context.Context, panelSubUUID string) (domain.Subscription, error) {
	return domain.Subscription{}, domain.ErrNotFound
}

func (r *recordingSubscriptions) ListCurrentForUser(ctx context.Context, userID int64, now time.Time) ([]domain.Subscription, error) {
	return nil, nil
}

func (r *recordingSubscriptions) ApplyPatch(ctx context.Context, subscriptionID string, patch domain.SubscriptionPatch) error {
	r.log.add("patch sub %s", subscriptionID)
	return nil
}

type recordingTx struct {
	calls int
}

func (r *recordingTx) RunInTransaction(ctx context.Context, fn func(context.Context) error) error {
	r.calls++
	return fn(ctx)
}
