// Package panel talks to the VPN provisioning panel over its HTTP API.
package panel

import (
	"fmt"
	"strings"
	"time"
)

// Status is the subscription state reported by the panel.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
	StatusExpired  Status = "EXPIRED"
	StatusLimited  Status = "LIMITED"
	StatusUnknown  Status = "UNKNOWN"
)

// NormalizeStatus maps a raw panel status to a known Status. Missing and
// unrecognised values become StatusUnknown.
func NormalizeStatus(raw string) Status {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusActive, StatusDisabled, StatusExpired, StatusLimited:
		return s
	default:
		return StatusUnknown
	}
}

// User is one user record as returned by the panel.
type User struct {
	UUID             string `json:"uuid"`
	ShortUUID        string `json:"shortUuid,omitempty"`
	SubscriptionUUID string `json:"subscriptionUuid,omitempty"`
	Username         string `json:"username,omitempty"`
	TelegramID       *int64 `json:"telegramId,omitempty"`
	ExpireAt         string `json:"expireAt,omitempty"`
	Status           string `json:"status,omitempty"`
	Description      string `json:"description,omitempty"`
}

// SubscriptionKey returns the panel subscription identifier, falling back to
// the short UUID.
func (u User) SubscriptionKey() string {
	if v := strings.TrimSpace(u.SubscriptionUUID); v != "" {
		return v
	}
	return strings.TrimSpace(u.ShortUUID)
}

// NormalizedStatus returns the record status mapped onto a known Status.
func (u User) NormalizedStatus() Status {
	return NormalizeStatus(u.Status)
}

// ChatID returns the Telegram id carried by the record, if any.
func (u User) ChatID() (int64, bool) {
	if u.TelegramID == nil || *u.TelegramID == 0 {
		return 0, false
	}
	return *u.TelegramID, true
}

// ExpiresAt parses the expiration timestamp. ok is false when the record has
// none; a malformed value is an error.
func (u User) ExpiresAt() (t time.Time, ok bool, err error) {
	raw := strings.TrimSpace(u.ExpireAt)
	if raw == "" {
		return time.Time{}, false, nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse expireAt %q: %w", raw, err)
	}
	return parsed.UTC(), true, nil
}
