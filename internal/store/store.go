// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_vpn_shop_bot/internal/config"
	"tg_vpn_shop_bot/internal/domain"
)

// Collection names used across the bot.
const (
	CollectionUsers           = "users"
	CollectionSubscriptions   = "subscriptions"
	CollectionSyncStatus      = "sync_status"
	CollectionSupportSessions = "support_sessions"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// runTransaction is overridable for tests. Transactions need a replica set or
// sharded deployment.
var runTransaction = func(ctx context.Context, client mongoClient, fn func(context.Context) error) error {
	c, ok := client.(*mongo.Client)
	if !ok || c == nil {
		return errors.New("transactions require a connected mongo client")
	}

	session, err := c.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client       mongoClient
	db           *mongo.Database
	transactions bool
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client:       client,
		db:           client.Database(cfg.MongoDB),
		transactions: cfg.MongoTransactions,
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Client returns the underlying mongo.Client when available. Tests using fakes
// may receive nil here.
func (m *Manager) Client() *mongo.Client {
	client, ok := m.client.(*mongo.Client)
	if !ok {
		return nil
	}
	return client
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

func (m *Manager) Users() *mongo.Collection {
	return m.Collection(CollectionUsers)
}

func (m *Manager) Subscriptions() *mongo.Collection {
	return m.Collection(CollectionSubscriptions)
}

func (m *Manager) SyncStatus() *mongo.Collection {
	return m.Collection(CollectionSyncStatus)
}

func (m *Manager) SupportSessions() *mongo.Collection {
	return m.Collection(CollectionSupportSessions)
}

// TransactionsEnabled reports whether multi-document writes run inside a
// MongoDB transaction.
func (m *Manager) TransactionsEnabled() bool {
	return m != nil && m.transactions
}

// RunInTransaction executes fn inside a MongoDB transaction when enabled and
// directly otherwise. fn receives the context that must be passed to every
// collection call belonging to the unit of work.
func (m *Manager) RunInTransaction(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}
	if fn == nil {
		return errors.New("transaction function is required")
	}

	if !m.transactions {
		return fn(ctx)
	}
	if err := runTransaction(ctx, m.client, fn); err != nil {
		return fmt.Errorf("mongo transaction: %w", err)
	}
	return nil
}

// EnsureBaseIndexes creates the uniqueness and TTL indexes the bot depends on.
// Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	hasUUID := bson.M{"panel_user_uuid": bson.M{"$type": "string"}}
	hasSubUUID := bson.M{"panel_subscription_uuid": bson.M{"$type": "string"}}

	plan := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{
			coll: m.Users(),
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "user_id", Value: 1}},
					Options: options.Index().SetName("user_id_unique").SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "panel_user_uuid", Value: 1}},
					Options: options.Index().
						SetName("panel_user_uuid_unique").
						SetUnique(true).
						SetPartialFilterExpression(hasUUID),
				},
				{
					Keys: bson.D{{Key: "username", Value: 1}},
					Options: options.Index().
						SetName("username_ci").
						SetCollation(domain.UsernameCollation),
				},
			},
		},
		{
			coll: m.Subscriptions(),
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "subscription_id", Value: 1}},
					Options: options.Index().SetName("subscription_id_unique").SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "panel_subscription_uuid", Value: 1}},
					Options: options.Index().
						SetName("panel_subscription_uuid_unique").
						SetUnique(true).
						SetPartialFilterExpression(hasSubUUID),
				},
				{
					Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "end_date", Value: -1}},
					Options: options.Index().SetName("user_id_end_date"),
				},
			},
		},
		{
			coll: m.SupportSessions(),
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "user_id", Value: 1}},
					Options: options.Index().SetName("user_id_unique").SetUnique(true),
				},
				{
					Keys:    bson.D{{Key: "expires_at", Value: 1}},
					Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
				},
			},
		},
	}

	for _, step := range plan {
		if _, err := createIndexes(ctx, step.coll, step.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", step.coll.Name(), err)
		}
	}

	return nil
}

// Ping verifies the primary is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
