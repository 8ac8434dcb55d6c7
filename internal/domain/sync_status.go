package domain

import "time"

// SyncStatusPanel is the _id of the singleton panel sync status document.
const SyncStatusPanel = "panel"

// SyncStatus is the persisted summary of the most recent reconciliation pass,
// kept for display in the admin console.
type SyncStatus struct {
	ID                   string    `bson:"_id" json:"id"`
	LastRunAt            time.Time `bson:"last_run_at" json:"last_run_at"`
	Status               string    `bson:"status" json:"status"`
	Details              string    `bson:"details" json:"details"`
	UsersTouched         int       `bson:"users_touched" json:"users_touched"`
	SubscriptionsTouched int       `bson:"subscriptions_touched" json:"subscriptions_touched"`
	ErrorCount           int       `bson:"error_count" json:"error_count"`
}

// SupportSession marks a user who asked for support and whose next message
// should be forwarded to the admins. It is only valid until ExpiresAt.
type SupportSession struct {
	UserID    int64     `bson:"user_id" json:"user_id"`
	Topic     string    `bson:"topic,omitempty" json:"topic,omitempty"`
	OpenedAt  time.Time `bson:"opened_at" json:"opened_at"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
}

// Expired reports whether the session is no longer usable at now.
func (s SupportSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
