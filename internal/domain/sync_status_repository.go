package domain

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type syncStatusCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// SyncStatusRepository keeps the last-run summary of the panel sync.
type SyncStatusRepository struct {
	collection syncStatusCollection
}

func NewSyncStatusRepository(collection syncStatusCollection) *SyncStatusRepository {
	return &SyncStatusRepository{collection: collection}
}

// RecordRunStatus replaces the stored status with the given one.
func (r *SyncStatusRepository) RecordRunStatus(ctx context.Context, status SyncStatus) error {
	if r == nil || r.collection == nil {
		return errors.New("sync status repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if status.ID == "" {
		status.ID = SyncStatusPanel
	}

	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": status.ID}, status, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("record sync status: %w", err)
	}
	return nil
}

// Get returns the stored status or an error wrapping ErrNotFound when no
// pass has run yet.
func (r *SyncStatusRepository) Get(ctx context.Context) (SyncStatus, error) {
	if r == nil || r.collection == nil {
		return SyncStatus{}, errors.New("sync status repository is not initialized")
	}
	if ctx == nil {
		return SyncStatus{}, errors.New("context is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"_id": SyncStatusPanel})
	if result == nil {
		return SyncStatus{}, errors.New("find sync status returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return SyncStatus{}, fmt.Errorf("find sync status: %w", ErrNotFound)
		}
		return SyncStatus{}, fmt.Errorf("find sync status: %w", err)
	}

	var status SyncStatus
	if err := result.Decode(&status); err != nil {
		return SyncStatus{}, fmt.Errorf("decode sync status: %w", err)
	}
	return status, nil
}
