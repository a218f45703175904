package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blastengine/internal/events"
	"blastengine/internal/external"
	"blastengine/internal/metrics"
	"blastengine/internal/types"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type ledger struct {
	mu          sync.Mutex
	created     []*types.DeliveryAttempt
	sent        map[string]types.Money
	failed      map[string]string
	settled     [][2]types.Money
	recipient   types.Money
	counters    map[types.CounterField]int64
	seen        []string
	createErr   error
	markSentErr error
}

func newLedger() *ledger {
	return &ledger{
		sent:     map[string]types.Money{},
		failed:   map[string]string{},
		counters: map[types.CounterField]int64{},
	}
}

func (l *ledger) Create(_ context.Context, a *types.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return l.createErr
	}
	cp := *a
	l.created = append(l.created, &cp)
	return nil
}

func (l *ledger) MarkSent(_ context.Context, id, _ string, cost types.Money, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markSentErr != nil {
		return l.markSentErr
	}
	l.sent[id] = cost
	return nil
}

func (l *ledger) MarkFailed(_ context.Context, id, reason string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[id] = reason
	return nil
}

func (l *ledger) SettleBudget(_ context.Context, _ string, reserved, actual types.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settled = append(l.settled, [2]types.Money{reserved, actual})
	return nil
}

func (l *ledger) IncrementCounter(_ context.Context, _ string, f types.CounterField, d int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[f] += d
	return nil
}

func (l *ledger) AddCost(_ context.Context, _ string, amount types.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recipient += amount
	return nil
}

func (l *ledger) MarkSeen(_ context.Context, id string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, id)
	return nil
}

type fakeProvider struct {
	result external.SendResult
	err    error
	got    external.Message
	gotCtx context.Context
	ctxErr error
}

func (p *fakeProvider) Name() string             { return "fake" }
func (p *fakeProvider) Channel() types.Channel   { return types.ChannelSMS }
func (p *fakeProvider) Quote(string) types.Money { return types.MoneyFromFloat(1.5) }
func (p *fakeProvider) Send(ctx context.Context, m external.Message) (external.SendResult, error) {
	p.got = m
	p.gotCtx = ctx
	p.ctxErr = ctx.Err()
	return p.result, p.err
}

type recordingMetrics struct {
	metrics.Noop
	results []metrics.Result
}

func (r *recordingMetrics) RecordDispatch(_ context.Context, _ types.Channel, _ string, res metrics.Result, _ time.Duration) {
	r.results = append(r.results, res)
}

type recordingEvents struct {
	got []events.Event
	err error
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	r.got = append(r.got, e)
	return r.err
}

func newRequest(p external.Provider) Request {
	return Request{
		Campaign:  &types.Campaign{ID: "camp-1", BusinessID: "biz-1"},
		Recipient: &types.Recipient{ID: "rcpt-1", CustomerID: "cust-1"},
		Step:      1,
		Address:   types.ContactAddress{ID: "addr-1", Channel: types.ChannelSMS, Value: "+77010000000", Verified: true, OptIn: true},
		Provider:  p,
		Content:   types.RenderedMessage{TemplateID: "tpl-1", Body: "hello"},
		Reserved:  types.MoneyFromFloat(1.5),
	}
}

func newTestDispatcher(l *ledger, m metrics.Recorder, e events.Publisher) *Dispatcher {
	return New(Config{
		Attempts:   l,
		Campaigns:  l,
		Recipients: l,
		Contacts:   l,
		Metrics:    m,
		Events:     e,
		Clock:      fixedClock{},
		Timeout:    time.Second,
	})
}

func TestDispatch_Success(t *testing.T) {
	l := newLedger()
	m := &recordingMetrics{}
	ev := &recordingEvents{}
	p := &fakeProvider{result: external.SendResult{ExternalID: "SM1", Cost: types.MoneyFromFloat(1.2), Status: types.AttemptSent}}

	a, err := newTestDispatcher(l, m, ev).Dispatch(context.Background(), newRequest(p))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if a.Status != types.AttemptSent || a.ExternalID != "SM1" {
		t.Errorf("attempt = %s/%s, want sent/SM1", a.Status, a.ExternalID)
	}
	if len(l.created) != 1 || l.created[0].Status != types.AttemptQueued {
		t.Fatalf("expected one queued attempt recorded before send, got %+v", l.created)
	}
	if l.created[0].Step != 1 || l.created[0].TemplateID != "tpl-1" {
		t.Errorf("attempt fields not copied from request: %+v", l.created[0])
	}
	if got := l.sent[a.ID]; got != types.MoneyFromFloat(1.2) {
		t.Errorf("MarkSent cost = %s, want 1.2", got)
	}
	if len(l.settled) != 1 || l.settled[0] != [2]types.Money{types.MoneyFromFloat(1.5), types.MoneyFromFloat(1.2)} {
		t.Errorf("settled = %v, want reserved 1.5 actual 1.2", l.settled)
	}
	if l.recipient != types.MoneyFromFloat(1.2) {
		t.Errorf("recipient cost = %s, want 1.2", l.recipient)
	}
	if l.counters[types.CounterSent] != 1 {
		t.Errorf("sent counter = %d, want 1", l.counters[types.CounterSent])
	}
	if len(l.seen) != 1 || l.seen[0] != "addr-1" {
		t.Errorf("seen = %v, want [addr-1]", l.seen)
	}
	if p.got.To != "+77010000000" || p.got.AttemptID != a.ID {
		t.Errorf("provider got %+v", p.got)
	}
	if len(m.results) != 1 || m.results[0] != metrics.ResultSuccess {
		t.Errorf("metrics = %v", m.results)
	}
	if len(ev.got) != 1 || ev.got[0].Status != "sent" || ev.got[0].Cost == nil {
		t.Errorf("events = %+v", ev.got)
	}
}

func TestDispatch_ZeroVendorCostFallsBackToQuote(t *testing.T) {
	l := newLedger()
	p := &fakeProvider{result: external.SendResult{ExternalID: "x"}}

	a, err := newTestDispatcher(l, nil, nil).Dispatch(context.Background(), newRequest(p))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if a.Cost != types.MoneyFromFloat(1.5) {
		t.Errorf("cost = %s, want reserved quote 1.5", a.Cost)
	}
}

func TestDispatch_VendorCostAboveQuoteIsClamped(t *testing.T) {
	l := newLedger()
	p := &fakeProvider{result: external.SendResult{ExternalID: "x", Cost: types.MoneyFromFloat(4)}}

	a, err := newTestDispatcher(l, nil, nil).Dispatch(context.Background(), newRequest(p))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	quote := types.MoneyFromFloat(1.5)
	if a.Cost != quote || l.sent[a.ID] != quote || l.recipient != quote {
		t.Errorf("cost = %s, booked %s, recipient %s, want 1.5", a.Cost, l.sent[a.ID], l.recipient)
	}
	if len(l.settled) != 1 || l.settled[0] != [2]types.Money{quote, quote} {
		t.Errorf("settled = %v, want reserved 1.5 actual 1.5", l.settled)
	}
}

func TestDispatch_ProviderFailure(t *testing.T) {
	l := newLedger()
	m := &recordingMetrics{}
	p := &fakeProvider{err: types.NewAppError(types.ErrCodeUpstreamProviderReject, "rejected", nil)}

	a, err := newTestDispatcher(l, m, nil).Dispatch(context.Background(), newRequest(p))
	if err != nil {
		t.Fatalf("provider failure must not be returned as error, got %v", err)
	}
	if a.Status != types.AttemptFailed {
		t.Errorf("status = %s, want failed", a.Status)
	}
	if _, ok := l.failed[a.ID]; !ok {
		t.Error("attempt not marked failed")
	}
	if len(l.settled) != 1 || l.settled[0][1] != 0 {
		t.Errorf("reservation not released with zero spend: %v", l.settled)
	}
	if l.recipient != 0 || l.counters[types.CounterSent] != 0 || len(l.seen) != 0 {
		t.Error("failed dispatch must not book spend, counters or last-seen")
	}
	if len(m.results) != 1 || m.results[0] != metrics.ResultFailed {
		t.Errorf("metrics = %v", m.results)
	}
}

func TestDispatch_CreateFailureReleasesReservation(t *testing.T) {
	l := newLedger()
	l.createErr = errors.New("db down")
	p := &fakeProvider{}

	a, err := newTestDispatcher(l, nil, nil).Dispatch(context.Background(), newRequest(p))
	if err == nil {
		t.Fatal("expected error")
	}
	if a != nil {
		t.Errorf("expected nil attempt, got %+v", a)
	}
	if p.gotCtx != nil {
		t.Error("provider must not be called when the attempt cannot be created")
	}
	if len(l.settled) != 1 || l.settled[0][1] != 0 {
		t.Errorf("settled = %v", l.settled)
	}
}

func TestDispatch_BookkeepingErrorsAreNotReturned(t *testing.T) {
	l := newLedger()
	l.markSentErr = errors.New("conflict")
	ev := &recordingEvents{err: errors.New("broker down")}
	p := &fakeProvider{result: external.SendResult{ExternalID: "x", Cost: 1}}

	a, err := newTestDispatcher(l, nil, ev).Dispatch(context.Background(), newRequest(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != types.AttemptSent {
		t.Errorf("status = %s, want sent", a.Status)
	}
	if l.counters[types.CounterSent] != 1 {
		t.Error("remaining bookkeeping should still run")
	}
}

func TestDispatch_SendSurvivesCallerCancellation(t *testing.T) {
	l := newLedger()
	p := &fakeProvider{result: external.SendResult{ExternalID: "x", Cost: 1}}
	ctx, cancel := context.WithCancel(context.Background())

	d := newTestDispatcher(l, nil, nil)
	// Cancel after the attempt row exists.
	d.cfg.Attempts = cancelOnCreate{ledger: l, cancel: cancel}

	a, err := d.Dispatch(ctx, newRequest(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ctxErr != nil {
		t.Error("provider context should not inherit caller cancellation")
	}
	if _, ok := p.gotCtx.Deadline(); !ok {
		t.Error("provider context should carry the dispatch timeout")
	}
	if a.Status != types.AttemptSent {
		t.Errorf("status = %s", a.Status)
	}
}

type cancelOnCreate struct {
	*ledger
	cancel context.CancelFunc
}

func (c cancelOnCreate) Create(ctx context.Context, a *types.DeliveryAttempt) error {
	err := c.ledger.Create(ctx, a)
	c.cancel()
	return err
}
