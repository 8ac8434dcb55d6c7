package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg_vpn_shop_bot/internal/config"
	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/panel"
	"tg_vpn_shop_bot/internal/panelsync"
)

type fakeSender struct {
	sent    []*bot.SendMessageParams
	failFor map[int64]error
}

func (f *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if err := f.failFor[params.ChatID.(int64)]; err != nil {
		return nil, err
	}
	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

type staticAdmins struct {
	ids []int64
	err error
}

func (s staticAdmins) AdminIDs(context.Context) ([]int64, error) {
	return s.ids, s.err
}

type usersByID map[int64]domain.User

func (u usersByID) GetByID(_ context.Context, id int64) (domain.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return domain.User{}, domain.ErrNotFound
}

func nullLogger() *logrus.Entry {
	logger, _ := logtest.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestFormatRunReport(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := panelsync.Report{
		RunID:          "run-1",
		StartedAt:      start,
		FinishedAt:     start.Add(2 * time.Second),
		Status:         panelsync.StatusSuccessWithErrors,
		RecordsChecked: 1200,
		UsersCreated:   3,
		Errors:         []string{"record 4 (uuid=<x>): bad"},
	}

	text := FormatRunReport(r)
	assert.Contains(t, text, "finished with errors")
	assert.Contains(t, text, "Records checked: 1,200")
	assert.Contains(t, text, "Took: 2s")
	assert.Contains(t, text, "uuid=&lt;x&gt;")

	failed := panelsync.Report{Status: panelsync.StatusFailed, FailureReason: "fetch panel users: 401"}
	assert.Contains(t, FormatRunReport(failed), "Reason: fetch panel users: 401")
}

func TestFormatRunReportCapsErrorList(t *testing.T) {
	r := panelsync.Report{Status: panelsync.StatusSuccessWithErrors}
	for i := 0; i < maxListedErrors+5; i++ {
		r.Errors = append(r.Errors, fmt.Sprintf("record %d", i))
	}
	assert.Contains(t, FormatRunReport(r), "and 5 more")
}

func TestStatusLine(t *testing.T) {
	assert.Equal(t, "Sync finished: 2 users, 1 subscriptions touched.",
		StatusLine(panelsync.Report{Status: panelsync.StatusSuccess, UsersCreated: 1, UsersUpdated: 1, SubscriptionsCreated: 1}))
	assert.Equal(t, "Sync finished with 2 errors.",
		StatusLine(panelsync.Report{Status: panelsync.StatusSuccessWithErrors, Errors: []string{"a", "b"}}))
	assert.Equal(t, "Sync finished with 1 error.",
		StatusLine(panelsync.Report{Status: panelsync.StatusSuccessWithErrors, Errors: []string{"a"}}))
	assert.Equal(t, "Sync failed: boom",
		StatusLine(panelsync.Report{Status: panelsync.StatusFailed, FailureReason: "boom"}))
}

func TestFormatSyncStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "Panel sync has not run yet.", FormatSyncStatus(domain.SyncStatus{}, now))

	text := FormatSyncStatus(domain.SyncStatus{
		LastRunAt:    now.Add(-2 * time.Hour),
		Status:       "success",
		Details:      "checked=1",
		UsersTouched: 4,
	}, now)
	assert.Contains(t, text, "success")
	assert.Contains(t, text, "2 hours ago")
	assert.Contains(t, text, "Users touched: 4")
	assert.Contains(t, text, "<code>checked=1</code>")
}

func TestTrafficLimit(t *testing.T) {
	assert.Equal(t, "unlimited", TrafficLimit(0))
	assert.Equal(t, "50 GiB", TrafficLimit(50<<30))
}

func TestAdminNotifierBroadcastsToEveryAdmin(t *testing.T) {
	sender := &fakeSender{failFor: map[int64]error{2: errors.New("bot was blocked")}}
	n, err := NewAdminNotifier(sender, staticAdmins{ids: []int64{1, 2, 3}}, nullLogger())
	require.NoError(t, err)

	err = n.NotifyRunReport(context.Background(), panelsync.Report{Status: panelsync.StatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify admin 2")

	require.Len(t, sender.sent, 2)
	assert.Equal(t, int64(1), sender.sent[0].ChatID)
	assert.Equal(t, int64(3), sender.sent[1].ChatID)
	assert.Equal(t, models.ParseModeHTML, sender.sent[0].ParseMode)
}

func TestAdminNotifierAdminLookupFailure(t *testing.T) {
	n, err := NewAdminNotifier(&fakeSender{}, staticAdmins{err: errors.New("mongo down")}, nullLogger())
	require.NoError(t, err)
	assert.Error(t, n.Broadcast(context.Background(), "hi"))
}

func TestExpiryNotifier(t *testing.T) {
	tg := int64(42)
	rec := panel.User{UUID: "p1", TelegramID: &tg, ExpireAt: "2025-02-01T00:00:00.000Z"}
	users := usersByID{42: {UserID: 42, FirstName: "Ann"}}

	tests := []struct {
		name     string
		event    string
		cfg      config.NotificationConfig
		rec      panel.User
		wantSent bool
		wantErr  error
	}{
		{name: "inside threshold", event: EventExpiresIn24Hours, cfg: config.NotificationConfig{Enabled: true, DaysBefore: 1}, rec: rec, wantSent: true},
		{name: "outside threshold", event: EventExpiresIn72Hours, cfg: config.NotificationConfig{Enabled: true, DaysBefore: 2}, rec: rec},
		{name: "expired ignores threshold", event: EventExpired, cfg: config.NotificationConfig{Enabled: true, DaysBefore: 0}, rec: rec, wantSent: true},
		{name: "disabled", event: EventExpired24HoursAgo, cfg: config.NotificationConfig{DaysBefore: 3}, rec: rec},
		{name: "no telegram id", event: EventExpired, cfg: config.NotificationConfig{Enabled: true}, rec: panel.User{UUID: "p2"}},
		{name: "unknown", event: "user.created", cfg: config.NotificationConfig{Enabled: true}, rec: rec, wantErr: ErrUnknownEvent},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			n, err := NewExpiryNotifier(sender, users, tt.cfg, nullLogger())
			require.NoError(t, err)

			sent, err := n.HandleEvent(context.Background(), tt.event, tt.rec)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSent, sent)
			if tt.wantSent {
				require.Len(t, sender.sent, 1)
				assert.Contains(t, sender.sent[0].Text, "Ann")
				assert.Contains(t, sender.sent[0].Text, "2025-02-01")
			} else {
				assert.Empty(t, sender.sent)
			}
		})
	}
}

func TestExpiryNotifierFallbackName(t *testing.T) {
	tg := int64(7)
	sender := &fakeSender{}
	n, err := NewExpiryNotifier(sender, nil, config.NotificationConfig{Enabled: true, DaysBefore: 3}, nullLogger())
	require.NoError(t, err)

	sent, err := n.HandleEvent(context.Background(), EventExpiresIn48Hours, panel.User{TelegramID: &tg})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Contains(t, sender.sent[0].Text, "User 7")
	assert.Contains(t, sender.sent[0].Text, "soon")
}
