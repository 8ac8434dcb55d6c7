package panelsync

import (
	"fmt"
	"strings"
	"time"

	"tg_vpn_shop_bot/internal/domain"
)

// Status classifies a finished reconciliation pass.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusSuccessWithErrors Status = "SUCCESS_WITH_ERRORS"
	StatusFailed            Status = "FAILED"
)

// Report is the structured outcome of one pass. Formatting for humans is left
// to the caller.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status

	RecordsChecked       int
	UsersFound           int
	UsersCreated         int
	UsersUpdated         int
	UUIDsRelinked        int
	WithoutTelegramID    int
	SkippedUnaddressable int
	SubscriptionsCreated int
	SubscriptionsUpdated int

	// Errors holds one entry per failed record, in record order.
	Errors []string
	// FailureReason is set only when Status is StatusFailed.
	FailureReason string
}

// ErrorCount returns the number of record-level errors.
func (r Report) ErrorCount() int {
	return len(r.Errors)
}

// Duration returns how long the pass took.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// UsersTouched counts users written by the pass.
func (r Report) UsersTouched() int {
	return r.UsersCreated + r.UsersUpdated
}

// SubscriptionsTouched counts subscriptions written by the pass.
func (r Report) SubscriptionsTouched() int {
	return r.SubscriptionsCreated + r.SubscriptionsUpdated
}

// Summary renders the counters as a compact key=value line, or the failure
// reason for failed passes.
func (r Report) Summary() string {
	if r.Status == StatusFailed {
		return r.FailureReason
	}

	return fmt.Sprintf(
		"checked=%d found=%d created=%d updated=%d relinked=%d no_telegram_id=%d skipped=%d subs_created=%d subs_updated=%d errors=%d",
		r.RecordsChecked, r.UsersFound, r.UsersCreated, r.UsersUpdated, r.UUIDsRelinked,
		r.WithoutTelegramID, r.SkippedUnaddressable, r.SubscriptionsCreated, r.SubscriptionsUpdated, r.ErrorCount(),
	)
}

// SyncStatus converts the report to the persisted last-run row.
func (r Report) SyncStatus() domain.SyncStatus {
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = r.StartedAt
	}

	return domain.SyncStatus{
		ID:                   domain.SyncStatusPanel,
		LastRunAt:            finished,
		Status:               strings.ToLower(string(r.Status)),
		Details:              r.Summary(),
		UsersTouched:         r.UsersTouched(),
		SubscriptionsTouched: r.SubscriptionsTouched(),
		ErrorCount:           r.ErrorCount(),
	}
}

func (r *Report) addRecordError(n int, panelUUID string, err error) {
	if panelUUID == "" {
		panelUUID = "-"
	}
	r.Errors = append(r.Errors, fmt.Sprintf("record %d (uuid=%s): %v", n, panelUUID, err))
}

func (r *Report) fail(reason string) {
	r.Status = StatusFailed
	r.FailureReason = reason
}

func (r *Report) classify() {
	if r.Status == StatusFailed {
		return
	}
	if r.ErrorCount() > 0 {
		r.Status = StatusSuccessWithErrors
		return
	}
	r.Status = StatusSuccess
}
