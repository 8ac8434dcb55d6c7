package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestUserRepositoryCreateAndGet(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewUserRepository(coll)

	ctx := context.Background()
	created, err := repo.Create(ctx, User{UserID: 12345})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if created.Role != RoleUser {
		t.Fatalf("expected default role %s, got %s", RoleUser, created.Role)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching timestamps on insert, got created_at=%v updated_at=%v", created.CreatedAt, created.UpdatedAt)
	}

	doc := coll.docWhere(t, "user_id", int64(12345))
	assertIntField(t, doc, "user_id", 12345)
	assertStringField(t, doc, "role", RoleUser)
	assertTimeFieldSet(t, doc, "created_at")
	if _, ok := doc["panel_user_uuid"]; ok {
		t.Fatalf("expected nil panel uuid to be omitted, got %v", doc["panel_user_uuid"])
	}

	found, err := repo.GetByID(ctx, 12345)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if found.UserID != 12345 || found.PanelUUID != nil {
		t.Fatalf("unexpected user: %+v", found)
	}

	if _, err := repo.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
}

func TestUserRepositoryPanelLinkPatch(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewUserRepository(coll)
	ctx := context.Background()

	if _, err := repo.Create(ctx, User{UserID: 7}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	uuid := "b7c1f3a2-0000-4000-8000-000000000001"
	if err := repo.ApplyPatch(ctx, 7, UserPatch{PanelUUID: &uuid}); err != nil {
		t.Fatalf("ApplyPatch returned error: %v", err)
	}

	linked, err := repo.FindByPanelUUID(ctx, uuid)
	if err != nil {
		t.Fatalf("FindByPanelUUID returned error: %v", err)
	}
	if linked.UserID != 7 || linked.LinkedPanelUUID() != uuid {
		t.Fatalf("expected user 7 linked to %s, got %+v", uuid, linked)
	}

	if err := repo.ApplyPatch(ctx, 7, UserPatch{ClearPanelUUID: true}); err != nil {
		t.Fatalf("ApplyPatch clear returned error: %v", err)
	}
	if _, ok := coll.docWhere(t, "user_id", int64(7))["panel_user_uuid"]; ok {
		t.Fatalf("expected panel_user_uuid to be unset")
	}
	if _, err := repo.FindByPanelUUID(ctx, uuid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}

	if err := repo.ApplyPatch(ctx, 8, UserPatch{PanelUUID: &uuid}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
}

func TestUserRepositoryBanAndAdmins(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewUserRepository(coll)
	ctx := context.Background()

	for _, u := range []User{{UserID: 3, Role: RoleAdmin}, {UserID: 1, Role: RoleOwner}, {UserID: 2}} {
		if _, err := repo.Create(ctx, u); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	if err := repo.SetBanned(ctx, 2, true); err != nil {
		t.Fatalf("SetBanned returned error: %v", err)
	}
	banned, err := repo.GetByID(ctx, 2)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if !banned.IsBanned {
		t.Fatalf("expected user to be banned")
	}

	ids, err := repo.ListAdminIDs(ctx)
	if err != nil {
		t.Fatalf("ListAdminIDs returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("expected admin ids [1 3], got %v", ids)
	}
}

func TestUserRepositoryFindByUsername(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewUserRepository(coll)
	ctx := context.Background()

	if _, err := repo.Create(ctx, User{UserID: 4, Username: "alice"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	found, err := repo.FindByUsername(ctx, " @alice ")
	if err != nil {
		t.Fatalf("FindByUsername returned error: %v", err)
	}
	if found.UserID != 4 {
		t.Fatalf("expected user 4, got %+v", found)
	}

	if _, err := repo.FindByUsername(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown username, got %v", err)
	}
	if _, err := repo.FindByUsername(ctx, "@"); err == nil {
		t.Fatalf("expected error for empty username")
	}
}

func TestSubscriptionRepositoryLookups(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewSubscriptionRepository(coll)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	panelSub := "sub-uuid-1"
	subs := []Subscription{
		{SubscriptionID: "a", UserID: 5, PanelSubscriptionUUID: &panelSub, EndDate: now.Add(48 * time.Hour), IsActive: true, StatusFromPanel: "ACTIVE"},
		{SubscriptionID: "b", UserID: 5, EndDate: now.Add(96 * time.Hour), IsActive: true, StatusFromPanel: "ACTIVE"},
		{SubscriptionID: "c", UserID: 5, EndDate: now.Add(200 * time.Hour), IsActive: false, StatusFromPanel: "DISABLED"},
		{SubscriptionID: "d", UserID: 5, EndDate: now.Add(-time.Hour), IsActive: true, StatusFromPanel: "ACTIVE"},
	}
	for _, s := range subs {
		if _, err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	found, err := repo.FindByPanelSubscriptionUUID(ctx, panelSub)
	if err != nil {
		t.Fatalf("FindByPanelSubscriptionUUID returned error: %v", err)
	}
	if found.SubscriptionID != "a" {
		t.Fatalf("expected subscription a, got %s", found.SubscriptionID)
	}

	current, err := repo.ListCurrentForUser(ctx, 5, now)
	if err != nil {
		t.Fatalf("ListCurrentForUser returned error: %v", err)
	}
	if len(current) != 2 || current[0].SubscriptionID != "b" || current[1].SubscriptionID != "a" {
		t.Fatalf("expected current subscriptions [b a], got %+v", current)
	}

	none, err := repo.ListCurrentForUser(ctx, 6, now)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no current subscriptions for user 6, got %v, %v", none, err)
	}

	all, err := repo.ListByUser(ctx, 5)
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	if len(all) != 4 || all[0].SubscriptionID != "c" || all[3].SubscriptionID != "d" {
		t.Fatalf("expected all four subscriptions latest first, got %+v", all)
	}

	inactive := false
	status := "EXPIRED"
	if err := repo.ApplyPatch(ctx, "b", SubscriptionPatch{IsActive: &inactive, StatusFromPanel: &status}); err != nil {
		t.Fatalf("ApplyPatch returned error: %v", err)
	}
	doc := coll.docWhere(t, "subscription_id", "b")
	if doc["is_active"] != false || doc["status_from_panel"] != "EXPIRED" {
		t.Fatalf("expected patched fields, got %v", doc)
	}
}

func TestSyncStatusRepositoryRecordAndGet(t *testing.T) {
	coll := newFakeCollection(t)
	repo := NewSyncStatusRepository(coll)
	ctx := context.Background()

	if _, err := repo.Get(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first run, got %v", err)
	}

	runAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []SyncStatus{
		{LastRunAt: runAt, Status: "failed", Details: "boom"},
		{LastRunAt: runAt.Add(time.Hour), Status: "completed", UsersTouched: 3, SubscriptionsTouched: 4},
	} {
		if err := repo.RecordRunStatus(ctx, s); err != nil {
			t.Fatalf("RecordRunStatus returned error: %v", err)
		}
	}

	got, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.ID != SyncStatusPanel || got.Status != "completed" || got.UsersTouched != 3 || got.SubscriptionsTouched != 4 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if len(coll.docs) != 1 {
		t.Fatalf("expected a single status document, got %d", len(coll.docs))
	}
}

func TestRolePriority(t *testing.T) {
	tests := []struct {
		role     string
		expected int
	}{
		{RoleOwner, RolePriorityOwner},
		{RoleAdmin, RolePriorityAdmin},
		{RoleUser, RolePriorityUser},
		{"unknown", 0},
	}

	for _, tt := range tests {
		if got := RolePriority(tt.role); got != tt.expected {
			t.Fatalf("RolePriority(%s) = %d, want %d", tt.role, got, tt.expected)
		}
	}

	if IsAdminRole(RoleUser) || !IsAdminRole(RoleAdmin) || !IsAdminRole(RoleOwner) {
		t.Fatalf("unexpected admin role classification")
	}
}

func TestPatchMergeLaterWins(t *testing.T) {
	first := "uuid-1"
	second := "uuid-2"

	merged := UserPatch{PanelUUID: &first}.Merge(UserPatch{ClearPanelUUID: true})
	if merged.PanelUUID != nil || !merged.ClearPanelUUID {
		t.Fatalf("expected clear to win, got %+v", merged)
	}
	merged = merged.Merge(UserPatch{PanelUUID: &second})
	if merged.ClearPanelUUID || merged.PanelUUID == nil || *merged.PanelUUID != second {
		t.Fatalf("expected later uuid to win, got %+v", merged)
	}

	active := true
	inactive := false
	sp := SubscriptionPatch{IsActive: &active}.Merge(SubscriptionPatch{IsActive: &inactive})
	var sub Subscription
	sp.Apply(&sub)
	if sub.IsActive {
		t.Fatalf("expected later is_active to win")
	}

	cs := ChangeSet{UserInserts: []User{{UserID: 1}}, SubscriptionUpdates: []SubscriptionUpdate{{SubscriptionID: "x"}}}
	if cs.Len() != 2 || cs.IsEmpty() {
		t.Fatalf("unexpected change set length %d", cs.Len())
	}
}

type fakeCollection struct {
	t    *testing.T
	docs []bson.M
}

func newFakeCollection(t *testing.T) *fakeCollection {
	t.Helper()
	return &fakeCollection{t: t}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	f.docs = append(f.docs, marshalDoc(f.t, document))
	return &mongo.InsertOneResult{}, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	matches, err := f.match(filter)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, err, nil)
	}
	if len(opts) > 0 && opts[0] != nil && opts[0].Sort != nil {
		sortDocs(matches, opts[0].Sort.(bson.D))
	}
	if len(matches) == 0 {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(matches[0], nil, nil)
}

func (f *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	matches, err := f.match(filter)
	if err != nil {
		return nil, err
	}
	if len(opts) > 0 && opts[0] != nil && opts[0].Sort != nil {
		sortDocs(matches, opts[0].Sort.(bson.D))
	}
	docs := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		docs = append(docs, m)
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	matches, err := f.match(filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &mongo.UpdateResult{}, nil
	}

	doc := matches[0]
	updateDoc := update.(bson.M)
	if set, ok := updateDoc["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if unset, ok := updateDoc["$unset"].(bson.M); ok {
		for k := range unset {
			delete(doc, k)
		}
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	matches, err := f.match(filter)
	if err != nil {
		return nil, err
	}
	doc := marshalDoc(f.t, replacement)
	if len(matches) == 0 {
		f.docs = append(f.docs, doc)
		return &mongo.UpdateResult{UpsertedCount: 1}, nil
	}
	for k := range matches[0] {
		delete(matches[0], k)
	}
	for k, v := range doc {
		matches[0][k] = v
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) match(filter interface{}) ([]bson.M, error) {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return nil, fmt.Errorf("unexpected filter type %T", filter)
	}

	var out []bson.M
	for _, doc := range f.docs {
		if docMatches(doc, filterDoc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeCollection) docWhere(t *testing.T, field string, value interface{}) bson.M {
	t.Helper()

	matches, err := f.match(bson.M{field: value})
	if err != nil || len(matches) == 0 {
		t.Fatalf("no document stored for %s=%v", field, value)
	}
	return matches[0]
}

func docMatches(doc, filter bson.M) bool {
	for key, want := range filter {
		got, present := doc[key]
		if ops, ok := want.(bson.M); ok {
			for op, arg := range ops {
				switch op {
				case "$in":
					found := false
					for _, candidate := range arg.([]string) {
						if got == candidate {
							found = true
						}
					}
					if !found {
						return false
					}
				case "$gt":
					if !present || !toTime(got).After(arg.(time.Time)) {
						return false
					}
				default:
					return false
				}
			}
			continue
		}
		if !present || got != want {
			return false
		}
	}
	return true
}

func sortDocs(docs []bson.M, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	key := spec[0].Key
	desc := spec[0].Value == -1
	sort.SliceStable(docs, func(i, j int) bool {
		less := compareValues(docs[i][key], docs[j][key])
		if desc {
			return compareValues(docs[j][key], docs[i][key])
		}
		return less
	})
}

func compareValues(a, b interface{}) bool {
	switch av := a.(type) {
	case int64:
		return av < b.(int64)
	default:
		return toTime(a).Before(toTime(b))
	}
}

func toTime(value interface{}) time.Time {
	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time()
	case time.Time:
		return v
	default:
		return time.Time{}
	}
}

func marshalDoc(t *testing.T, document interface{}) bson.M {
	t.Helper()

	raw, err := bson.Marshal(document)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return out
}

func assertStringField(t *testing.T, doc bson.M, field, expected string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}
	if value != expected {
		t.Fatalf("expected %s=%s, got %v", field, expected, value)
	}
}

func assertIntField(t *testing.T, doc bson.M, field string, expected int64) {
	t.Helper()
	value, ok := doc[field].(int64)
	if !ok {
		t.Fatalf("expected %s to be int64, got %T", field, doc[field])
	}
	if value != expected {
		t.Fatalf("expected %s=%d, got %d", field, expected, value)
	}
}

func assertTimeFieldSet(t *testing.T, doc bson.M, field string) {
	t.Helper()
	if toTime(doc[field]).IsZero() {
		t.Fatalf("expected %s to be a non-zero time, got %v", field, doc[field])
	}
}
