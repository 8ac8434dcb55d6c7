package domain

import "time"

// Subscription is the local mirror of one panel subscription. The panel
// subscription UUID is the idempotency key used by reconciliation.
type Subscription struct {
	SubscriptionID        string     `bson:"subscription_id" json:"subscription_id"`
	UserID                int64      `bson:"user_id" json:"user_id"`
	PanelUserUUID         string     `bson:"panel_user_uuid" json:"panel_user_uuid"`
	PanelSubscriptionUUID *string    `bson:"panel_subscription_uuid,omitempty" json:"panel_subscription_uuid,omitempty"`
	StartDate             *time.Time `bson:"start_date,omitempty" json:"start_date,omitempty"`
	EndDate               time.Time  `bson:"end_date" json:"end_date"`
	IsActive              bool       `bson:"is_active" json:"is_active"`
	StatusFromPanel       string     `bson:"status_from_panel" json:"status_from_panel"`
	TrafficLimitBytes     int64      `bson:"traffic_limit_bytes" json:"traffic_limit_bytes"`
	CreatedAt             time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `bson:"updated_at" json:"updated_at"`
}

// IsCurrent reports whether the subscription is active and not yet expired.
func (s Subscription) IsCurrent(now time.Time) bool {
	return s.IsActive && s.EndDate.After(now)
}

// SubscriptionPatch lists the subscription fields reconciliation may change.
type SubscriptionPatch struct {
	UserID          *int64
	PanelUserUUID   *string
	EndDate         *time.Time
	IsActive        *bool
	StatusFromPanel *string
}

// IsEmpty reports whether the patch changes nothing.
func (p SubscriptionPatch) IsEmpty() bool {
	return p.UserID == nil && p.PanelUserUUID == nil && p.EndDate == nil && p.IsActive == nil && p.StatusFromPanel == nil
}

// Apply writes the patch onto s.
func (p SubscriptionPatch) Apply(s *Subscription) {
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.PanelUserUUID != nil {
		s.PanelUserUUID = *p.PanelUserUUID
	}
	if p.EndDate != nil {
		s.EndDate = *p.EndDate
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.StatusFromPanel != nil {
		s.StatusFromPanel = *p.StatusFromPanel
	}
}

// Merge folds a later patch into p; set fields of the later patch win.
func (p SubscriptionPatch) Merge(next SubscriptionPatch) SubscriptionPatch {
	if next.UserID != nil {
		p.UserID = next.UserID
	}
	if next.PanelUserUUID != nil {
		p.PanelUserUUID = next.PanelUserUUID
	}
	if next.EndDate != nil {
		p.EndDate = next.EndDate
	}
	if next.IsActive != nil {
		p.IsActive = next.IsActive
	}
	if next.StatusFromPanel != nil {
		p.StatusFromPanel = next.StatusFromPanel
	}
	return p
}
