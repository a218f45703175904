package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"blastengine/internal/types"
)

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

type mockLogger struct{ errors int }

func (l *mockLogger) Info(string, ...any)      {}
func (l *mockLogger) Error(string, ...any)     { l.errors++ }
func (l *mockLogger) Warn(string, ...any)      {}
func (l *mockLogger) With(...any) types.Logger { return l }

type fakeCounter struct {
	day, week int
	err       error
	queries   []types.FrequencyQuery
}

func (f *fakeCounter) CountRecent(_ context.Context, q types.FrequencyQuery) (int, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.queries)%2 == 1 {
		return f.day, nil
	}
	return f.week, nil
}

type fakePrefs struct {
	prefs types.Preferences
	err   error
}

func (f *fakePrefs) GetPreferences(context.Context, string, string) (types.Preferences, error) {
	return f.prefs, f.err
}

func guardInput(window *types.QuietHours) Input {
	strategy := types.DefaultStrategy()
	strategy.QuietHours = window
	return Input{
		Campaign:  &types.Campaign{ID: "c1", BusinessID: "b1", Strategy: strategy},
		Recipient: &types.Recipient{ID: "r1", CustomerID: "cust1"},
		Address:   types.ContactAddress{ID: "a1", Channel: types.ChannelSMS, Verified: true, OptIn: true},
		Channel:   types.ChannelSMS,
	}
}

func TestGuard_DeliversOutsideQuietHours(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	counter := &fakeCounter{day: 1, week: 2}
	g := NewGuard(counter, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: now}, &mockLogger{})

	res, err := g.Evaluate(context.Background(), guardInput(&types.QuietHours{Start: "21:00", End: "09:00", Timezone: "UTC"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected deliver, got %+v", res)
	}
	if len(counter.queries) != 2 {
		t.Fatalf("expected day and week queries, got %d", len(counter.queries))
	}
	if want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC); !counter.queries[0].Since.Equal(want) {
		t.Errorf("day window since = %v, want %v", counter.queries[0].Since, want)
	}
	if want := now.Add(-7 * 24 * time.Hour); !counter.queries[1].Since.Equal(want) {
		t.Errorf("week window since = %v, want %v", counter.queries[1].Since, want)
	}
	if counter.queries[0].BusinessID != "b1" || counter.queries[0].CustomerID != "cust1" || counter.queries[0].Channel != types.ChannelSMS {
		t.Errorf("unexpected query scope: %+v", counter.queries[0])
	}
}

func TestGuard_DefersInQuietHours(t *testing.T) {
	now := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	g := NewGuard(&fakeCounter{}, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: now}, &mockLogger{})

	res, err := g.Evaluate(context.Background(), guardInput(&types.QuietHours{Start: "21:00", End: "09:00", Timezone: "UTC"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision != DecisionDefer || res.ResumeAt == nil {
		t.Fatalf("expected deferral with resume time, got %+v", res)
	}
}

func TestGuard_CustomerWindowOverridesStrategy(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	prefs := types.DefaultPreferences()
	prefs.QuietHours = &types.QuietHours{Start: "11:00", End: "13:00", Timezone: "UTC"}
	g := NewGuard(&fakeCounter{}, &fakePrefs{prefs: prefs}, &mockClock{now: now}, &mockLogger{})

	res, err := g.Evaluate(context.Background(), guardInput(&types.QuietHours{Start: "21:00", End: "09:00", Timezone: "UTC"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed() {
		t.Error("customer quiet window should defer the send")
	}
}

func TestGuard_BrokenWindowFailsOpen(t *testing.T) {
	now := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	logger := &mockLogger{}
	g := NewGuard(&fakeCounter{}, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: now}, logger)

	res, err := g.Evaluate(context.Background(), guardInput(&types.QuietHours{Start: "21:00", End: "09:00", Timezone: "Nowhere/Land"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed() {
		t.Errorf("expected fail-open deliver, got %+v", res)
	}
	if logger.errors != 1 {
		t.Errorf("expected one logged error, got %d", logger.errors)
	}
}

func TestGuard_FrequencyCap(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		day, week int
		allowed   bool
	}{
		{"under caps", 2, 9, true},
		{"daily cap", 3, 3, false},
		{"weekly cap", 0, 10, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGuard(&fakeCounter{day: tc.day, week: tc.week}, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: now}, nil)
			res, err := g.Evaluate(context.Background(), guardInput(nil))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Allowed() != tc.allowed {
				t.Errorf("allowed = %v, want %v (%s)", res.Allowed(), tc.allowed, res.Reason)
			}
		})
	}
}

func TestGuard_UnreachableAddress(t *testing.T) {
	g := NewGuard(&fakeCounter{}, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: time.Now()}, nil)
	in := guardInput(nil)
	in.Address.OptIn = false

	res, err := g.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed() {
		t.Error("opted-out address must not be allowed")
	}
}

func TestGuard_StoreErrors(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	boom := errors.New("db down")

	g := NewGuard(&fakeCounter{err: boom}, &fakePrefs{prefs: types.DefaultPreferences()}, &mockClock{now: now}, nil)
	if _, err := g.Evaluate(context.Background(), guardInput(nil)); !errors.Is(err, boom) {
		t.Errorf("counter error not propagated: %v", err)
	}

	g = NewGuard(&fakeCounter{}, &fakePrefs{err: boom}, &mockClock{now: now}, nil)
	if _, err := g.Evaluate(context.Background(), guardInput(nil)); !errors.Is(err, boom) {
		t.Errorf("preferences error not propagated: %v", err)
	}
}
