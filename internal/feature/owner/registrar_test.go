package owner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vpn_shop_bot/internal/domain"
)

func TestBootstrapDemotesPreviousOwnerAndGrantsAdmins(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fake := &fakeUsers{
		updateManyResult: &mongo.UpdateResult{ModifiedCount: 2},
		updateOneResult:  &mongo.UpdateResult{UpsertedCount: 1},
	}

	registrar := NewRegistrar(fake, logrus.NewEntry(hookLogger))

	ownerID := int64(999)
	if err := registrar.Bootstrap(context.Background(), ownerID, []int64{5, ownerID, 0, 6}); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}

	if len(fake.updateManyCalls) != 1 {
		t.Fatalf("expected one demotion call, got %d", len(fake.updateManyCalls))
	}
	demote := fake.updateManyCalls[0]
	filter := demote.filter.(bson.M)
	if filter["role"] != domain.RoleOwner {
		t.Fatalf("expected demote filter role %s, got %v", domain.RoleOwner, filter["role"])
	}
	if ne, ok := filter["user_id"].(bson.M); !ok || ne["$ne"] != ownerID {
		t.Fatalf("expected demote filter user_id $ne %d, got %v", ownerID, filter["user_id"])
	}
	if set := demote.update.(bson.M)["$set"].(bson.M); set["role"] != domain.RoleAdmin {
		t.Fatalf("expected demoted role %s, got %v", domain.RoleAdmin, set["role"])
	}

	// owner + admins 5 and 6; the owner id and 0 in the list are skipped.
	if len(fake.updateOneCalls) != 3 {
		t.Fatalf("expected three upserts, got %d", len(fake.updateOneCalls))
	}

	ownerCall := fake.updateOneCalls[0]
	if ownerCall.filter.(bson.M)["user_id"] != ownerID {
		t.Fatalf("expected owner filter, got %v", ownerCall.filter)
	}
	ownerSet := ownerCall.update.(bson.M)["$set"].(bson.M)
	if ownerSet["role"] != domain.RoleOwner || ownerSet["is_banned"] != false {
		t.Fatalf("expected owner role and unban, got %v", ownerSet)
	}
	if _, ok := ownerSet["updated_at"].(time.Time); !ok {
		t.Fatalf("expected updated_at timestamp, got %v", ownerSet["updated_at"])
	}
	if !isUpsert(ownerCall.opts) {
		t.Fatalf("expected owner upsert option")
	}

	adminCall := fake.updateOneCalls[1]
	adminFilter := adminCall.filter.(bson.M)
	if adminFilter["user_id"] != int64(5) {
		t.Fatalf("expected admin 5 first, got %v", adminFilter["user_id"])
	}
	if ne, ok := adminFilter["role"].(bson.M); !ok || ne["$ne"] != domain.RoleOwner {
		t.Fatalf("admin grant must not touch owners, got %v", adminFilter["role"])
	}
	if set := adminCall.update.(bson.M)["$set"].(bson.M); set["role"] != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %v", set["role"])
	}

	entry := findLogEvent(hook.AllEntries(), "owner_bootstrap")
	if entry == nil {
		t.Fatalf("expected owner_bootstrap log entry")
	}
	if entry.Data["demoted_owners"] != int64(2) {
		t.Fatalf("expected demoted_owners=2, got %v", entry.Data["demoted_owners"])
	}
	if entry.Data["admins_granted"] != int64(2) {
		t.Fatalf("expected admins_granted=2, got %v", entry.Data["admins_granted"])
	}
}

func TestBootstrapValidatesAndPropagatesErrors(t *testing.T) {
	hookLogger, _ := logtest.NewNullLogger()
	logger := logrus.NewEntry(hookLogger)

	tests := []struct {
		name      string
		registrar *Registrar
		ctx       context.Context
		ownerID   int64
		admins    []int64
		expectErr string
	}{
		{name: "nil registrar", ctx: context.Background(), ownerID: 1, expectErr: "owner registrar"},
		{name: "nil collection", registrar: NewRegistrar(nil, logger), ctx: context.Background(), ownerID: 1, expectErr: "not initialized"},
		{name: "nil context", registrar: NewRegistrar(&fakeUsers{}, logger), ownerID: 1, expectErr: "context is required"},
		{name: "zero owner id", registrar: NewRegistrar(&fakeUsers{}, logger), ctx: context.Background(), expectErr: "owner id is required"},
		{
			name:      "demote error",
			registrar: NewRegistrar(&fakeUsers{updateManyErr: errors.New("demote fail")}, logger),
			ctx:       context.Background(),
			ownerID:   99,
			expectErr: "demote fail",
		},
		{
			name:      "upsert error",
			registrar: NewRegistrar(&fakeUsers{updateOneErr: errors.New("upsert fail")}, logger),
			ctx:       context.Background(),
			ownerID:   99,
			expectErr: "upsert fail",
		},
		{
			name:      "admin error",
			registrar: NewRegistrar(&fakeUsers{updateOneErr: errors.New("grant fail"), failAfter: 1}, logger),
			ctx:       context.Background(),
			ownerID:   99,
			admins:    []int64{7},
			expectErr: "ensure admin 7",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.registrar.Bootstrap(tt.ctx, tt.ownerID, tt.admins)
			if err == nil || !strings.Contains(err.Error(), tt.expectErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectErr, err)
			}
		})
	}
}

func TestDirectory(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	lister := &fakeLister{ids: []int64{30, 5}}
	dir := NewDirectory(5, []int64{20, 20}, lister, logrus.NewEntry(hookLogger))

	ids, err := dir.AdminIDs(context.Background())
	if err != nil {
		t.Fatalf("AdminIDs returned error: %v", err)
	}
	if want := []int64{5, 20, 30}; !equalIDs(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}

	if !dir.IsAdmin(context.Background(), 30) || !dir.IsAdmin(context.Background(), 20) {
		t.Fatalf("expected stored and configured admins to be admins")
	}
	if dir.IsAdmin(context.Background(), 31) || dir.IsAdmin(context.Background(), 0) {
		t.Fatalf("unexpected admin")
	}
	if !dir.IsOwner(5) || dir.IsOwner(20) {
		t.Fatalf("owner check mismatch")
	}

	lister.err = errors.New("mongo down")
	ids, err = dir.AdminIDs(context.Background())
	if err != nil {
		t.Fatalf("expected fallback without error, got %v", err)
	}
	if want := []int64{5, 20}; !equalIDs(ids, want) {
		t.Fatalf("expected fallback %v, got %v", want, ids)
	}
	if findLogEvent(hook.AllEntries(), "admin_lookup_failed") == nil {
		t.Fatalf("expected admin_lookup_failed log entry")
	}
}

type updateManyCall struct {
	filter interface{}
	update interface{}
}

type updateOneCall struct {
	filter interface{}
	update interface{}
	opts   []*options.UpdateOptions
}

type fakeUsers struct {
	updateManyCalls  []updateManyCall
	updateOneCalls   []updateOneCall
	updateManyErr    error
	updateOneErr     error
	failAfter        int
	updateManyResult *mongo.UpdateResult
	updateOneResult  *mongo.UpdateResult
}

func (f *fakeUsers) UpdateMany(_ context.Context, filter interface{}, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.updateManyCalls = append(f.updateManyCalls, updateManyCall{filter: filter, update: update})
	return f.updateManyResult, f.updateManyErr
}

func (f *fakeUsers) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.updateOneCalls = append(f.updateOneCalls, updateOneCall{filter: filter, update: update, opts: opts})
	if len(f.updateOneCalls) > f.failAfter {
		return f.updateOneResult, f.updateOneErr
	}
	return f.updateOneResult, nil
}

type fakeLister struct {
	ids []int64
	err error
}

func (f *fakeLister) ListAdminIDs(context.Context) ([]int64, error) {
	return f.ids, f.err
}

func isUpsert(opts []*options.UpdateOptions) bool {
	return len(opts) == 1 && opts[0].Upsert != nil && *opts[0].Upsert
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func findLogEvent(entries []*logrus.Entry, event string) *logrus.Entry {
	for _, entry := range entries {
		if entry.Data["event"] == event {
			return entry
		}
	}
	return nil
}
