package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type userCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// UsernameCollation compares usernames case-insensitively, as Telegram does.
var UsernameCollation = &options.Collation{Locale: "en", Strength: 2}

// UserRepository persists and retrieves users in MongoDB.
type UserRepository struct {
	collection userCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection userCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

// Create inserts a user with populated timestamps, defaulting the role to
// RoleUser when omitted.
func (r *UserRepository) Create(ctx context.Context, user User) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	if user.UserID == 0 {
		return User{}, errors.New("user_id is required")
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = user.CreatedAt
	}
	user.UpdatedAt = user.CreatedAt

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// GetByID fetches a user by Telegram user_id. A missing user yields an error
// wrapping ErrNotFound.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	return r.findOne(ctx, bson.M{"user_id": userID})
}

// FindByPanelUUID fetches the user linked to the given panel user UUID.
func (r *UserRepository) FindByPanelUUID(ctx context.Context, panelUUID string) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	if panelUUID == "" {
		return User{}, errors.New("panel uuid is required")
	}

	return r.findOne(ctx, bson.M{"panel_user_uuid": panelUUID})
}

// FindByUsername fetches a user by Telegram username, ignoring case and a
// leading "@".
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return User{}, errors.New("username is required")
	}

	return r.findOne(ctx, bson.M{"username": username}, options.FindOne().SetCollation(UsernameCollation))
}

// ApplyPatch writes the patch to the stored user. Setting and clearing the
// panel link map to $set and $unset respectively.
func (r *UserRepository) ApplyPatch(ctx context.Context, userID int64, patch UserPatch) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user_id is required")
	}
	if patch.IsEmpty() {
		return nil
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"user_id": userID}, UserPatchUpdate(patch, time.Now().UTC().Truncate(time.Millisecond)))
	if err != nil {
		return fmt.Errorf("update user %d: %w", userID, err)
	}
	if result != nil && result.MatchedCount == 0 {
		return fmt.Errorf("update user %d: %w", userID, ErrNotFound)
	}

	return nil
}

// SetBanned toggles the ban flag for a user.
func (r *UserRepository) SetBanned(ctx context.Context, userID int64, banned bool) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user_id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"is_banned": banned, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("set banned for user %d: %w", userID, err)
	}
	if result != nil && result.MatchedCount == 0 {
		return fmt.Errorf("set banned for user %d: %w", userID, ErrNotFound)
	}

	return nil
}

// ListAdminIDs returns the ids of users holding the admin or owner role.
func (r *UserRepository) ListAdminIDs(ctx context.Context) ([]int64, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.collection.Find(ctx,
		bson.M{"role": bson.M{"$in": []string{RoleAdmin, RoleOwner}}},
		options.Find().SetProjection(bson.M{"user_id": 1}).SetSort(bson.D{{Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find admins: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []int64
	for cursor.Next(ctx) {
		var row struct {
			UserID int64 `bson:"user_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode admin: %w", err)
		}
		ids = append(ids, row.UserID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}

	return ids, nil
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (User, error) {
	result := r.collection.FindOne(ctx, filter, opts...)
	if result == nil {
		return User{}, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, fmt.Errorf("find user: %w", ErrNotFound)
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}

	var user User
	if err := result.Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}

	return user, nil
}

func (r *UserRepository) check(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// UserPatchUpdate renders a patch as a MongoDB update document.
func UserPatchUpdate(patch UserPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	update := bson.M{}
	if patch.PanelUUID != nil {
		set["panel_user_uuid"] = *patch.PanelUUID
	} else if patch.ClearPanelUUID {
		update["$unset"] = bson.M{"panel_user_uuid": ""}
	}
	update["$set"] = set
	return update
}
