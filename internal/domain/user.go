package domain

import "time"

// User represents a Telegram user known to the bot. UserID is the Telegram
// user id; PanelUUID links the user to the provisioning panel and is unique
// when set.
type User struct {
	UserID       int64     `bson:"user_id" json:"user_id"`
	PanelUUID    *string   `bson:"panel_user_uuid,omitempty" json:"panel_user_uuid,omitempty"`
	Username     string    `bson:"username,omitempty" json:"username,omitempty"`
	FirstName    string    `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName     string    `bson:"last_name,omitempty" json:"last_name,omitempty"`
	LanguageCode string    `bson:"language_code,omitempty" json:"language_code,omitempty"`
	IsBanned     bool      `bson:"is_banned" json:"is_banned"`
	ReferredByID *int64    `bson:"referred_by_id,omitempty" json:"referred_by_id,omitempty"`
	Role         string    `bson:"role" json:"role"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
	LastSeenAt   time.Time `bson:"last_seen_at,omitempty" json:"last_seen_at,omitempty"`
}

// LinkedPanelUUID returns the stored panel UUID or an empty string.
func (u User) LinkedPanelUUID() string {
	if u.PanelUUID == nil {
		return ""
	}
	return *u.PanelUUID
}

// UserPatch lists the user fields a reconciliation pass may change. A nil
// field is left untouched; ClearPanelUUID removes the panel link.
type UserPatch struct {
	PanelUUID      *string
	ClearPanelUUID bool
}

// IsEmpty reports whether the patch changes nothing.
func (p UserPatch) IsEmpty() bool {
	return p.PanelUUID == nil && !p.ClearPanelUUID
}

// Apply writes the patch onto u.
func (p UserPatch) Apply(u *User) {
	if p.ClearPanelUUID {
		u.PanelUUID = nil
	}
	if p.PanelUUID != nil {
		v := *p.PanelUUID
		u.PanelUUID = &v
	}
}

// Merge folds a later patch into p; the later patch wins.
func (p UserPatch) Merge(next UserPatch) UserPatch {
	if next.ClearPanelUUID {
		p.PanelUUID = nil
		p.ClearPanelUUID = true
	}
	if next.PanelUUID != nil {
		p.PanelUUID = next.PanelUUID
		p.ClearPanelUUID = false
	}
	return p
}
