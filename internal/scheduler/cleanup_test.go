package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func schedulerTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type mockCleanupDB struct {
	mu sync.Mutex

	attemptsCount int64
	attemptsErr   error
	attemptCutoff time.Time
	attemptDryRun bool

	clicksCount int64
	clicksErr   error
	clickCutoff time.Time
}

func (m *mockCleanupDB) DeleteFailedBefore(_ context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptCutoff = cutoff
	m.attemptDryRun = dryRun
	return m.attemptsCount, m.attemptsErr
}

func (m *mockCleanupDB) DeleteClicksBefore(_ context.Context, cutoff time.Time, _ bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clickCutoff = cutoff
	return m.clicksCount, m.clicksErr
}

var refNow = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

func TestCleanupService_DefaultWindows(t *testing.T) {
	db := &mockCleanupDB{attemptsCount: 4, clicksCount: 9}
	svc := NewCleanupService(db, Retention{}, schedulerTestLogger())

	report, err := svc.Run(context.Background(), refNow, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := refNow.AddDate(0, 0, -90); !db.attemptCutoff.Equal(want) {
		t.Errorf("attempt cutoff = %v, want %v", db.attemptCutoff, want)
	}
	if want := refNow.AddDate(0, 0, -180); !db.clickCutoff.Equal(want) {
		t.Errorf("click cutoff = %v, want %v", db.clickCutoff, want)
	}
	if report.AttemptsDeleted != 4 || report.ClicksDeleted != 9 {
		t.Errorf("report = %+v", report)
	}
}

func TestCleanupService_DryRunIsForwarded(t *testing.T) {
	db := &mockCleanupDB{}
	svc := NewCleanupService(db, Retention{AttemptDays: 7, ClickDays: 30}, schedulerTestLogger())

	report, err := svc.Run(context.Background(), refNow, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !db.attemptDryRun || !report.DryRun {
		t.Error("expected dry run to reach the store")
	}
	if want := refNow.AddDate(0, 0, -7); !report.AttemptCutoff.Equal(want) {
		t.Errorf("attempt cutoff = %v, want %v", report.AttemptCutoff, want)
	}
}

func TestCleanupService_AttemptErrorStopsRun(t *testing.T) {
	db := &mockCleanupDB{attemptsErr: errors.New("db down")}
	svc := NewCleanupService(db, Retention{}, schedulerTestLogger())

	if _, err := svc.Run(context.Background(), refNow, false); err == nil {
		t.Fatal("expected error")
	}
	if !db.clickCutoff.IsZero() {
		t.Error("click cleanup must not run after an attempt cleanup failure")
	}
}

func TestMaintenancePayload_Now(t *testing.T) {
	p := MaintenancePayload{Task: TaskCleanup}
	if got := p.Now(refNow); !got.Equal(refNow) {
		t.Errorf("Now() = %v, want fallback", got)
	}
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	p.ReferenceTime = &ref
	if got := p.Now(refNow); !got.Equal(ref) || got.Location() != time.UTC {
		t.Errorf("Now() = %v, want %v in UTC", got, ref)
	}
}
