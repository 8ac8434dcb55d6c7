// Package owner bootstraps the privileged users of the bot: the configured
// owner and the ADMIN_IDS list.
package owner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/logging"
)

type userCollection interface {
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar writes the privileged roles at startup.
type Registrar struct {
	users  userCollection
	logger *logrus.Entry
	now    func() time.Time
}

// NewRegistrar constructs a Registrar for the provided users collection.
func NewRegistrar(users userCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// Bootstrap makes ownerID the only owner, demoting any previous owner to
// admin, and grants the admin role to adminIDs. The owner is always unbanned.
func (r *Registrar) Bootstrap(ctx context.Context, ownerID int64, adminIDs []int64) error {
	if r == nil || r.users == nil {
		return errors.New("owner registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if ownerID == 0 {
		return errors.New("owner id is required")
	}

	now := r.now().UTC().Truncate(time.Millisecond)

	demoted, err := r.users.UpdateMany(ctx,
		bson.M{"role": domain.RoleOwner, "user_id": bson.M{"$ne": ownerID}},
		bson.M{"$set": bson.M{"role": domain.RoleAdmin, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("demote previous owners: %w", err)
	}

	ownerRes, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": ownerID},
		bson.M{
			"$set": bson.M{
				"role":       domain.RoleOwner,
				"is_banned":  false,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{"user_id": ownerID, "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}

	var promoted int64
	for _, id := range adminIDs {
		if id == 0 || id == ownerID {
			continue
		}
		res, err := r.users.UpdateOne(ctx,
			bson.M{"user_id": id, "role": bson.M{"$ne": domain.RoleOwner}},
			bson.M{
				"$set":         bson.M{"role": domain.RoleAdmin, "updated_at": now},
				"$setOnInsert": bson.M{"user_id": id, "is_banned": false, "created_at": now},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("ensure admin %d: %w", id, err)
		}
		promoted += modifiedCount(res) + upsertedCount(res)
	}

	r.logger.WithFields(logging.Fields{
		"event":          "owner_bootstrap",
		"owner_id":       ownerID,
		"demoted_owners": modifiedCount(demoted),
		"upserted_owner": upsertedCount(ownerRes),
		"admins_granted": promoted,
	}).Info("ensured bot owner and admins")

	return nil
}

func modifiedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.ModifiedCount
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
