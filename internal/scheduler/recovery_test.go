package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/external"
	"blastengine/internal/memstore"
	"blastengine/internal/reconcile"
	"blastengine/internal/types"
)

type failingPoller struct{}

func (failingPoller) PollStatus(context.Context, string) (string, error) {
	return "", errors.New("vendor unavailable")
}

type fixedPoller string

func (p fixedPoller) PollStatus(context.Context, string) (string, error) { return string(p), nil }

func seedSentAttempt(t *testing.T, s *memstore.Store, id, provider string, sentAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Attempts.Create(ctx, &types.DeliveryAttempt{
		ID:          id,
		RecipientID: "r-" + id,
		CampaignID:  "c1",
		Channel:     types.ChannelSMS,
		Provider:    provider,
		Status:      types.AttemptQueued,
		CreatedAt:   sentAt,
	}))
	require.NoError(t, s.Attempts.MarkSent(ctx, id, "ext-"+id, types.MoneyFromFloat(0.05), sentAt))
}

func newRecoveryStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	require.NoError(t, s.Campaigns.Create(context.Background(), &types.Campaign{
		ID: "c1", BusinessID: "biz", Name: "poll", Status: types.CampaignRunning, CreatedAt: refNow,
	}))
	return s
}

func TestStatusRecovery_AppliesPolledStatus(t *testing.T) {
	ctx := context.Background()
	s := newRecoveryStore(t)
	seedSentAttempt(t, s, "a1", "twilio", refNow.Add(-time.Hour))
	seedSentAttempt(t, s, "a2", "stub_sms", refNow.Add(-30*time.Minute))
	seedSentAttempt(t, s, "fresh", "twilio", refNow.Add(-time.Minute))

	rec := reconcile.New(s.Attempts, s.Recipients, nil)
	pollers := map[string]external.StatusPoller{
		"twilio":   fixedPoller("delivered"),
		"stub_sms": external.NewStubProvider(types.ChannelSMS, nil),
	}
	svc := NewStatusRecovery(s.Attempts, pollers, rec, schedulerTestLogger())

	report, err := svc.Run(ctx, refNow, 0)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Candidates: 2, Polled: 2, Applied: 2}, report)

	for _, id := range []string{"a1", "a2"} {
		a, err := s.Attempts.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.AttemptDelivered, a.Status, id)
		assert.Equal(t, "poll", a.Metadata["source"])
	}
	fresh, err := s.Attempts.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptSent, fresh.Status, "attempts younger than the poll age are left alone")

	c, err := s.Campaigns.Get(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Counters.Delivered)

	again, err := svc.Run(ctx, refNow, 0)
	require.NoError(t, err)
	assert.Zero(t, again.Candidates, "delivered attempts are no longer stale")
}

func TestStatusRecovery_SinceWindowAndFailures(t *testing.T) {
	ctx := context.Background()
	s := newRecoveryStore(t)
	seedSentAttempt(t, s, "old", "twilio", refNow.Add(-5*time.Hour))
	seedSentAttempt(t, s, "flaky", "infobip", refNow.Add(-time.Hour))
	seedSentAttempt(t, s, "nopoll", "sendgrid", refNow.Add(-time.Hour))

	rec := reconcile.New(s.Attempts, s.Recipients, nil)
	pollers := map[string]external.StatusPoller{
		"twilio":  fixedPoller("delivered"),
		"infobip": failingPoller{},
	}
	svc := NewStatusRecovery(s.Attempts, pollers, rec, schedulerTestLogger())

	report, err := svc.Run(ctx, refNow, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Candidates: 2, Unsupported: 1, Errors: 1}, report)

	old, err := s.Attempts.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptSent, old.Status, "outside the since window")
}
