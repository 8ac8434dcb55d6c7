package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type subscriptionCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// SubscriptionRepository persists and retrieves subscriptions in MongoDB.
type SubscriptionRepository struct {
	collection subscriptionCollection
}

// NewSubscriptionRepository constructs a SubscriptionRepository.
func NewSubscriptionRepository(collection subscriptionCollection) *SubscriptionRepository {
	return &SubscriptionRepository{collection: collection}
}

// Create inserts a subscription. Timestamps default to now.
func (r *SubscriptionRepository) Create(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := r.check(ctx); err != nil {
		return Subscription{}, err
	}
	if sub.SubscriptionID == "" {
		return Subscription{}, errors.New("subscription_id is required")
	}
	if sub.UserID == 0 {
		return Subscription{}, errors.New("user_id is required")
	}

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	if _, err := r.collection.InsertOne(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}

	return sub, nil
}

// FindByPanelSubscriptionUUID fetches the subscription mirroring the given
// panel subscription.
func (r *SubscriptionRepository) FindByPanelSubscriptionUUID(ctx context.Context, panelSubUUID string) (Subscription, error) {
	if err := r.check(ctx); err != nil {
		return Subscription{}, err
	}
	if panelSubUUID == "" {
		return Subscription{}, errors.New("panel subscription uuid is required")
	}

	return r.findOne(ctx, bson.M{"panel_subscription_uuid": panelSubUUID})
}

// ListCurrentForUser returns the user's active, unexpired subscriptions,
// latest end date first.
func (r *SubscriptionRepository) ListCurrentForUser(ctx context.Context, userID int64, now time.Time) ([]Subscription, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	return r.find(ctx, bson.M{"user_id": userID, "is_active": true, "end_date": bson.M{"$gt": now}})
}

// ListByUser returns every subscription of the user, latest end date first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]Subscription, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	return r.find(ctx, bson.M{"user_id": userID})
}

// ApplyPatch writes the patch to the stored subscription.
func (r *SubscriptionRepository) ApplyPatch(ctx context.Context, subscriptionID string, patch SubscriptionPatch) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if subscriptionID == "" {
		return errors.New("subscription_id is required")
	}
	if patch.IsEmpty() {
		return nil
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"subscription_id": subscriptionID},
		SubscriptionPatchUpdate(patch, time.Now().UTC().Truncate(time.Millisecond)),
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", subscriptionID, err)
	}
	if result != nil && result.MatchedCount == 0 {
		return fmt.Errorf("update subscription %s: %w", subscriptionID, ErrNotFound)
	}

	return nil
}

func (r *SubscriptionRepository) find(ctx context.Context, filter bson.M) ([]Subscription, error) {
	cursor, err := r.collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "end_date", Value: -1}, {Key: "subscription_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	subs := []Subscription{}
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return subs, nil
}

func (r *SubscriptionRepository) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (Subscription, error) {
	result := r.collection.FindOne(ctx, filter, opts...)
	if result == nil {
		return Subscription{}, errors.New("find subscription returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Subscription{}, fmt.Errorf("find subscription: %w", ErrNotFound)
		}
		return Subscription{}, fmt.Errorf("find subscription: %w", err)
	}

	var sub Subscription
	if err := result.Decode(&sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}

	return sub, nil
}

func (r *SubscriptionRepository) check(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("subscription repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// SubscriptionPatchUpdate renders a patch as a MongoDB $set document.
func SubscriptionPatchUpdate(patch SubscriptionPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	if patch.UserID != nil {
		set["user_id"] = *patch.UserID
	}
	if patch.PanelUserUUID != nil {
		set["panel_user_uuid"] = *patch.PanelUserUUID
	}
	if patch.EndDate != nil {
		set["end_date"] = *patch.EndDate
	}
	if patch.IsActive != nil {
		set["is_active"] = *patch.IsActive
	}
	if patch.StatusFromPanel != nil {
		set["status_from_panel"] = *patch.StatusFromPanel
	}
	return bson.M{"$set": set}
}
