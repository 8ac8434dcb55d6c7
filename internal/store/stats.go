package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Stats is a point-in-time snapshot of collection counts for the admin
// console.
type Stats struct {
	Users               int64
	BannedUsers         int64
	LinkedUsers         int64
	Subscriptions       int64
	ActiveSubscriptions int64
}

// StatsProvider exposes helper methods to retrieve collection counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	users         countCollection
	subscriptions countCollection
	now           func() time.Time
}

// NewStatsProvider constructs a StatsProvider backed by the provided user and
// subscription collections.
func NewStatsProvider(users, subscriptions countCollection) *StatsProvider {
	return &StatsProvider{
		users:         users,
		subscriptions: subscriptions,
		now:           time.Now,
	}
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, p.usersColl(), bson.D{}, "users")
}

// CountSubscriptions returns the number of documents in the subscriptions
// collection.
func (p *StatsProvider) CountSubscriptions(ctx context.Context) (int64, error) {
	return p.count(ctx, p.subscriptionsColl(), bson.D{}, "subscriptions")
}

// CountActiveSubscriptions counts subscriptions that are active and not yet
// expired.
func (p *StatsProvider) CountActiveSubscriptions(ctx context.Context) (int64, error) {
	var now time.Time
	if p != nil && p.now != nil {
		now = p.now().UTC()
	}
	return p.count(ctx, p.subscriptionsColl(), bson.M{"is_active": true, "end_date": bson.M{"$gt": now}}, "active subscriptions")
}

// Snapshot collects all counters. The first failing count aborts.
func (p *StatsProvider) Snapshot(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		err   error
	)

	if stats.Users, err = p.CountUsers(ctx); err != nil {
		return Stats{}, err
	}
	if stats.BannedUsers, err = p.count(ctx, p.usersColl(), bson.M{"is_banned": true}, "banned users"); err != nil {
		return Stats{}, err
	}
	if stats.LinkedUsers, err = p.count(ctx, p.usersColl(), bson.M{"panel_user_uuid": bson.M{"$type": "string"}}, "linked users"); err != nil {
		return Stats{}, err
	}
	if stats.Subscriptions, err = p.CountSubscriptions(ctx); err != nil {
		return Stats{}, err
	}
	if stats.ActiveSubscriptions, err = p.CountActiveSubscriptions(ctx); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

func (p *StatsProvider) usersColl() countCollection {
	if p == nil {
		return nil
	}
	return p.users
}

func (p *StatsProvider) subscriptionsColl() countCollection {
	if p == nil {
		return nil
	}
	return p.subscriptions
}

func (p *StatsProvider) count(ctx context.Context, coll countCollection, filter interface{}, what string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || coll == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}

	return count, nil
}
