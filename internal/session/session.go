// Package session keeps short-lived support sessions: a user who sent
// /support has their next message forwarded to the admins.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vpn_shop_bot/internal/domain"
)

const redisKeyPrefix = "support:session:"

// Store opens, reads and closes support sessions. Get reports a missing or
// expired session with an error wrapping domain.ErrNotFound.
type Store interface {
	Open(ctx context.Context, userID int64, topic string) (domain.SupportSession, error)
	Get(ctx context.Context, userID int64) (domain.SupportSession, error)
	Close(ctx context.Context, userID int64) error
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps sessions as JSON values that Redis expires on its own.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore builds a Redis-backed session store.
func NewRedisStore(client redisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be greater than 0")
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}, nil
}

func (s *RedisStore) Open(ctx context.Context, userID int64, topic string) (domain.SupportSession, error) {
	sess := newSession(userID, topic, s.now(), s.ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return domain.SupportSession{}, fmt.Errorf("encode support session: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(userID), data, s.ttl).Err(); err != nil {
		return domain.SupportSession{}, fmt.Errorf("store support session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (domain.SupportSession, error) {
	raw, err := s.client.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SupportSession{}, fmt.Errorf("support session for %d: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SupportSession{}, fmt.Errorf("load support session: %w", err)
	}

	var sess domain.SupportSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.SupportSession{}, fmt.Errorf("decode support session: %w", err)
	}
	if sess.Expired(s.now()) {
		return domain.SupportSession{}, fmt.Errorf("support session for %d expired: %w", userID, domain.ErrNotFound)
	}
	return sess, nil
}

func (s *RedisStore) Close(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("close support session: %w", err)
	}
	return nil
}

type sessionCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// MongoStore keeps sessions in the support_sessions collection. The TTL index
// removes stale rows eventually; Get checks expires_at itself because the TTL
// monitor only runs about once a minute.
type MongoStore struct {
	collection sessionCollection
	ttl        time.Duration
	now        func() time.Time
}

// NewMongoStore builds a Mongo-backed session store.
func NewMongoStore(collection sessionCollection, ttl time.Duration) (*MongoStore, error) {
	if collection == nil {
		return nil, errors.New("support session collection is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be greater than 0")
	}
	return &MongoStore{collection: collection, ttl: ttl, now: time.Now}, nil
}

func (s *MongoStore) Open(ctx context.Context, userID int64, topic string) (domain.SupportSession, error) {
	sess := newSession(userID, topic, s.now(), s.ttl)

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{
			"topic":      sess.Topic,
			"opened_at":  sess.OpenedAt,
			"expires_at": sess.ExpiresAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return domain.SupportSession{}, fmt.Errorf("store support session: %w", err)
	}
	return sess, nil
}

func (s *MongoStore) Get(ctx context.Context, userID int64) (domain.SupportSession, error) {
	var sess domain.SupportSession
	err := s.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.SupportSession{}, fmt.Errorf("support session for %d: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SupportSession{}, fmt.Errorf("load support session: %w", err)
	}
	if sess.Expired(s.now()) {
		return domain.SupportSession{}, fmt.Errorf("support session for %d expired: %w", userID, domain.ErrNotFound)
	}
	return sess, nil
}

func (s *MongoStore) Close(ctx context.Context, userID int64) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("close support session: %w", err)
	}
	return nil
}

func newSession(userID int64, topic string, now time.Time, ttl time.Duration) domain.SupportSession {
	opened := now.UTC().Truncate(time.Millisecond)
	return domain.SupportSession{
		UserID:    userID,
		Topic:     topic,
		OpenedAt:  opened,
		ExpiresAt: opened.Add(ttl),
	}
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}
