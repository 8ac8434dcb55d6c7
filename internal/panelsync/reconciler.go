// Package panelsync mirrors panel users and subscriptions into the local
// database in a single sequential pass.
package panelsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/lock"
	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/panel"
)

// ErrRunInProgress is returned when a pass is already running in this process
// or, with a distributed lock configured, anywhere else.
var ErrRunInProgress = errors.New("panel sync already in progress")

var errMissingUUID = errors.New("panel record has no uuid")

// Fetcher returns the full panel snapshot. A non-nil error, or a nil slice,
// means the snapshot is unavailable.
type Fetcher interface {
	FetchAllUsers(ctx context.Context) ([]panel.User, error)
}

// Store is the persistence surface used by a pass. Lookups report absence
// with an error wrapping domain.ErrNotFound.
type Store interface {
	FindUserByTelegramID(ctx context.Context, userID int64) (domain.User, error)
	FindUserByPanelUUID(ctx context.Context, panelUUID string) (domain.User, error)
	FindSubscriptionByPanelUUID(ctx context.Context, panelSubUUID string) (domain.Subscription, error)
	// FindCurrentSubscriptions lists every active, unexpired subscription of
	// the user. An empty result is not an error.
	FindCurrentSubscriptions(ctx context.Context, userID int64, now time.Time) ([]domain.Subscription, error)
	ApplyChanges(ctx context.Context, changes domain.ChangeSet) error
}

// StatusRecorder persists the last-run summary.
type StatusRecorder interface {
	RecordRunStatus(ctx context.Context, status domain.SyncStatus) error
}

// Notifier receives every finished report. Failures are logged only.
type Notifier interface {
	NotifyRunReport(ctx context.Context, report Report) error
}

// Locker serialises passes across processes. Acquire fails with
// lock.ErrNotAcquired when another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Options carries the optional collaborators and settings of a Reconciler.
type Options struct {
	TrafficLimitBytes int64
	Locker            Locker
	Notifier          Notifier
	Logger            *logrus.Entry
	Now               func() time.Time
	NewID             func() string
}

// Reconciler runs panel reconciliation passes. It is safe for concurrent use;
// overlapping calls to Run are rejected.
type Reconciler struct {
	fetcher      Fetcher
	store        Store
	status       StatusRecorder
	notifier     Notifier
	locker       Locker
	logger       *logrus.Entry
	now          func() time.Time
	newID        func() string
	trafficLimit int64

	running atomic.Bool
}

// NewReconciler wires a Reconciler. fetcher, store and status are required.
func NewReconciler(fetcher Fetcher, store Store, status StatusRecorder, opts Options) (*Reconciler, error) {
	if fetcher == nil || store == nil || status == nil {
		return nil, errors.New("fetcher, store and status recorder are required")
	}
	if opts.TrafficLimitBytes < 0 {
		return nil, errors.New("traffic limit must not be negative")
	}

	r := &Reconciler{
		fetcher:      fetcher,
		store:        store,
		status:       status,
		notifier:     opts.Notifier,
		locker:       opts.Locker,
		logger:       opts.Logger,
		now:          opts.Now,
		newID:        opts.NewID,
		trafficLimit: opts.TrafficLimitBytes,
	}
	if r.logger == nil {
		r.logger = logging.Logger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r, nil
}

// Run executes one pass. Record-level problems end up in Report.Errors and do
// not produce an error; a fetch, commit or status failure yields a FAILED
// report together with a non-nil error.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	return r.RunWithStart(ctx, nil)
}

// RunWithStart is Run with a callback invoked once the pass owns the run
// guard and lock, before the panel is fetched. It is not called when the
// pass is rejected.
func (r *Reconciler) RunWithStart(ctx context.Context, started func(runID string)) (Report, error) {
	if r == nil || r.fetcher == nil {
		return Report{}, errors.New("reconciler is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}

	if !r.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx)
		if errors.Is(err, lock.ErrNotAcquired) {
			return Report{}, ErrRunInProgress
		}
		if err != nil {
			return Report{}, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.WithFields(logrus.Fields{
					"event": "panel_sync_unlock_failed",
					"error": err.Error(),
				}).Warn("failed to release sync lock")
			}
		}()
	}

	report := Report{RunID: r.newID(), StartedAt: r.now().UTC()}
	log := logging.Enrich(r.logger, logging.Context{RunID: report.RunID, Component: "panelsync"})
	log.WithField("event", "panel_sync_started").Info("panel sync started")
	if started != nil {
		started(report.RunID)
	}

	runErr := r.reconcile(ctx, log, &report)
	report.classify()
	report.FinishedAt = r.now().UTC()

	if err := r.status.RecordRunStatus(ctx, report.SyncStatus()); err != nil {
		log.WithFields(logrus.Fields{
			"event": "panel_sync_status_failed",
			"error": err.Error(),
		}).Error("failed to record sync status")
		if runErr == nil {
			report.fail(fmt.Sprintf("record sync status: %v", err))
			runErr = fmt.Errorf("record sync status: %w", err)
		}
	}

	r.notify(ctx, log, report)

	log.WithFields(logrus.Fields{
		"event":                 "panel_sync_finished",
		"status":                report.Status,
		"records_checked":       report.RecordsChecked,
		"users_created":         report.UsersCreated,
		"users_updated":         report.UsersUpdated,
		"subscriptions_created": report.SubscriptionsCreated,
		"subscriptions_updated": report.SubscriptionsUpdated,
		"errors":                report.ErrorCount(),
		"duration_ms":           report.Duration().Milliseconds(),
	}).Info("panel sync finished")

	return report, runErr
}

func (r *Reconciler) reconcile(ctx context.Context, log *logrus.Entry, report *Report) error {
	records, err := r.fetcher.FetchAllUsers(ctx)
	if err == nil && records == nil {
		err = errors.New("panel returned no data")
	}
	if err != nil {
		report.fail(fmt.Sprintf("fetch panel users: %v", err))
		log.WithFields(logrus.Fields{
			"event": "panel_sync_fetch_failed",
			"error": err.Error(),
		}).Error("failed to fetch panel users")
		return fmt.Errorf("fetch panel users: %w", err)
	}

	st := newStaged(r.store)
	for i, rec := range records {
		report.RecordsChecked++
		if err := r.syncRecord(ctx, st, rec, report); err != nil {
			report.addRecordError(i+1, strings.TrimSpace(rec.UUID), err)
			logging.Enrich(log, logging.Context{PanelUUID: rec.UUID}).WithFields(logrus.Fields{
				"event":  "panel_sync_record_error",
				"record": i + 1,
				"error":  err.Error(),
			}).Warn("panel record skipped")
		}
	}

	if err := r.store.ApplyChanges(ctx, st.changes); err != nil {
		report.fail(fmt.Sprintf("commit changes: %v", err))
		log.WithFields(logrus.Fields{
			"event":  "panel_sync_commit_failed",
			"writes": st.changes.Len(),
			"error":  err.Error(),
		}).Error("failed to commit panel sync changes")
		return fmt.Errorf("commit panel sync changes: %w", err)
	}

	return nil
}

// recordPlan is everything one record will write. It is built with read-only
// lookups and staged only when the whole record succeeded.
type recordPlan struct {
	create      *domain.User
	user        domain.User
	relink      bool
	releaseFrom *domain.User

	subCreate *domain.Subscription
	subUpdate *domain.Subscription
	subPatch  domain.SubscriptionPatch
}

func (r *Reconciler) syncRecord(ctx context.Context, st *staged, rec panel.User, report *Report) error {
	panelUUID := strings.TrimSpace(rec.UUID)
	if panelUUID == "" {
		return errMissingUUID
	}
	rec.UUID = panelUUID

	if _, ok := rec.ChatID(); !ok {
		report.WithoutTelegramID++
	}

	expiresAt, hasExpiry, err := rec.ExpiresAt()
	if err != nil {
		return err
	}

	resolution, err := Resolve(ctx, st, rec)
	if err != nil {
		return err
	}

	var plan recordPlan
	switch res := resolution.(type) {
	case Unaddressable:
		report.SkippedUnaddressable++
		return nil
	case CreatableFromRemote:
		u := res.User
		now := r.now().UTC().Truncate(time.Millisecond)
		u.CreatedAt, u.UpdatedAt, u.LastSeenAt = now, now, now
		plan.create = &u
		plan.user = u
	case Found:
		plan.user = res.User
		if res.User.LinkedPanelUUID() != panelUUID {
			plan.relink = true
			holder, err := st.FindUserByPanelUUID(ctx, panelUUID)
			switch {
			case err == nil && holder.UserID != res.User.UserID:
				plan.releaseFrom = &holder
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				return fmt.Errorf("find current holder of panel uuid: %w", err)
			}
		}
	default:
		return fmt.Errorf("unexpected resolution %T", resolution)
	}

	if hasExpiry {
		if err := r.planSubscription(ctx, st, rec, plan.user.UserID, expiresAt, &plan); err != nil {
			return err
		}
	}

	r.stage(st, plan, panelUUID, report)
	return nil
}

func (r *Reconciler) planSubscription(ctx context.Context, st *staged, rec panel.User, userID int64, expiresAt time.Time, plan *recordPlan) error {
	status := rec.NormalizedStatus()
	active := status == panel.StatusActive
	statusText := string(status)
	endDate := expiresAt

	key := rec.SubscriptionKey()
	if key == "" {
		current, err := st.FindActiveSubscription(ctx, userID, r.now().UTC())
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find active subscription: %w", err)
		}
		plan.subUpdate = &current
		plan.subPatch = domain.SubscriptionPatch{EndDate: &endDate, IsActive: &active, StatusFromPanel: &statusText}
		return nil
	}

	existing, err := st.FindSubscriptionByPanelUUID(ctx, key)
	switch {
	case err == nil:
		owner := userID
		panelUUID := rec.UUID
		plan.subUpdate = &existing
		plan.subPatch = domain.SubscriptionPatch{
			UserID:          &owner,
			PanelUserUUID:   &panelUUID,
			EndDate:         &endDate,
			IsActive:        &active,
			StatusFromPanel: &statusText,
		}
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("find subscription by panel uuid: %w", err)
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	panelSub := key
	plan.subCreate = &domain.Subscription{
		SubscriptionID:        r.newID(),
		UserID:                userID,
		PanelUserUUID:         rec.UUID,
		PanelSubscriptionUUID: &panelSub,
		EndDate:               endDate,
		IsActive:              active,
		StatusFromPanel:       statusText,
		TrafficLimitBytes:     r.trafficLimit,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return nil
}

func (r *Reconciler) stage(st *staged, plan recordPlan, panelUUID string, report *Report) {
	if plan.create != nil {
		st.createUser(*plan.create)
		report.UsersCreated++
	} else {
		report.UsersFound++
	}

	if plan.releaseFrom != nil {
		st.updateUser(*plan.releaseFrom, domain.UserPatch{ClearPanelUUID: true})
	}
	if plan.relink {
		link := panelUUID
		st.updateUser(plan.user, domain.UserPatch{PanelUUID: &link})
		report.UUIDsRelinked++
	}

	subTouched := false
	switch {
	case plan.subCreate != nil:
		st.createSubscription(*plan.subCreate)
		report.SubscriptionsCreated++
		subTouched = true
	case plan.subUpdate != nil:
		st.updateSubscription(*plan.subUpdate, plan.subPatch)
		report.SubscriptionsUpdated++
		subTouched = true
	}

	if plan.create == nil && (plan.relink || subTouched) {
		report.UsersUpdated++
	}
}

func (r *Reconciler) notify(ctx context.Context, log *logrus.Entry, report Report) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyRunReport(ctx, report); err != nil {
		log.WithFields(logrus.Fields{
			"event": "panel_sync_notify_failed",
			"error": err.Error(),
		}).Warn("failed to deliver sync report")
	}
}
