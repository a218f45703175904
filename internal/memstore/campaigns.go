package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"blastengine/internal/types"
)

type campaignRecord struct {
	c types.Campaign

	// spend is guarded by CampaignStore.mu; reservation must read current
	// and reserved together.
	current  types.Money
	reserved types.Money

	recipients atomic.Int64
	sent       atomic.Int64
	delivered  atomic.Int64
	opened     atomic.Int64
	clicked    atomic.Int64
	converted  atomic.Int64
}

func (r *campaignRecord) counter(f types.CounterField) *atomic.Int64 {
	switch f {
	case types.CounterSent:
		return &r.sent
	case types.CounterDelivered:
		return &r.delivered
	case types.CounterOpened:
		return &r.opened
	case types.CounterClicked:
		return &r.clicked
	case types.CounterConverted:
		return &r.converted
	}
	return nil
}

func (r *campaignRecord) snapshot() *types.Campaign {
	c := r.c
	c.CurrentCost = r.current
	c.ReservedCost = r.reserved
	c.Counters = types.CampaignCounters{
		Recipients: r.recipients.Load(),
		Sent:       r.sent.Load(),
		Delivered:  r.delivered.Load(),
		Opened:     r.opened.Load(),
		Clicked:    r.clicked.Load(),
		Converted:  r.converted.Load(),
	}
	if r.c.BudgetCap != nil {
		cp := *r.c.BudgetCap
		c.BudgetCap = &cp
	}
	c.Strategy.Cascade = slices.Clone(r.c.Strategy.Cascade)
	c.Strategy.StopOn = slices.Clone(r.c.Strategy.StopOn)
	return &c
}

// CampaignStore holds campaigns.
type CampaignStore struct {
	mu   sync.RWMutex
	byID map[string]*campaignRecord
}

// NewCampaignStore creates an empty CampaignStore.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{byID: make(map[string]*campaignRecord)}
}

// Create stores c. Spend and counters start from the values on c.
func (s *CampaignStore) Create(_ context.Context, c *types.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[c.ID]; exists {
		return types.NewAppError(types.ErrCodeConflictCampaignState, "campaign "+c.ID+" already exists", nil)
	}
	rec := &campaignRecord{c: *c, current: c.CurrentCost, reserved: c.ReservedCost}
	rec.recipients.Store(c.Counters.Recipients)
	rec.sent.Store(c.Counters.Sent)
	rec.delivered.Store(c.Counters.Delivered)
	rec.opened.Store(c.Counters.Opened)
	rec.clicked.Store(c.Counters.Clicked)
	rec.converted.Store(c.Counters.Converted)
	s.byID[c.ID] = rec
	return nil
}

// Get returns a copy of the campaign.
func (s *CampaignStore) Get(_ context.Context, id string) (*types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	return rec.snapshot(), nil
}

// List returns campaigns of the given statuses, or all when none are
// given, oldest first.
func (s *CampaignStore) List(_ context.Context, statuses ...types.CampaignStatus) ([]*types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Campaign
	for _, rec := range s.byID {
		if len(statuses) == 0 || slices.Contains(statuses, rec.c.Status) {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns campaigns in status.
func (s *CampaignStore) ListByStatus(ctx context.Context, status types.CampaignStatus) ([]*types.Campaign, error) {
	return s.List(ctx, status)
}

// ListDueScheduled returns SCHEDULED campaigns whose start time is not
// after now.
func (s *CampaignStore) ListDueScheduled(ctx context.Context, now time.Time) ([]*types.Campaign, error) {
	scheduled, err := s.List(ctx, types.CampaignScheduled)
	if err != nil {
		return nil, err
	}
	out := scheduled[:0]
	for _, c := range scheduled {
		if c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Transition moves the campaign to status to when its current status is
// one of from. StartedAt is stamped on the first move to running and
// CompletedAt on any terminal move.
func (s *CampaignStore) Transition(_ context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	if !slices.Contains(from, rec.c.Status) {
		return false, nil
	}
	rec.c.Status = to
	rec.c.StatusReason = reason
	rec.c.UpdatedAt = now
	if to == types.CampaignRunning && rec.c.StartedAt == nil {
		t := now
		rec.c.StartedAt = &t
	}
	if to.IsTerminal() {
		t := now
		rec.c.CompletedAt = &t
	}
	return true, nil
}

// Schedule sets the start time of a DRAFT or SCHEDULED campaign and moves
// it to SCHEDULED.
func (s *CampaignStore) Schedule(_ context.Context, id string, at, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	if !rec.c.CanStart() {
		return false, nil
	}
	rec.c.Status = types.CampaignScheduled
	rec.c.ScheduledAt = &at
	rec.c.UpdatedAt = now
	return true, nil
}

// SetRecipientTotal records the materialized audience size.
func (s *CampaignStore) SetRecipientTotal(_ context.Context, id string, n int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	rec.recipients.Store(n)
	return nil
}

// ReserveBudget reserves amount if current + reserved + amount <= cap.
// Campaigns without a cap always accept.
func (s *CampaignStore) ReserveBudget(_ context.Context, id string, amount types.Money) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	if rec.c.BudgetCap != nil && rec.current+rec.reserved+amount > *rec.c.BudgetCap {
		return false, nil
	}
	rec.reserved += amount
	return true, nil
}

// SettleBudget releases reserved and adds actual to the settled spend.
func (s *CampaignStore) SettleBudget(_ context.Context, id string, reserved, actual types.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	rec.reserved = max(rec.reserved-reserved, 0)
	rec.current += actual
	return nil
}

// IncrementCounter adds delta to one campaign counter.
func (s *CampaignStore) IncrementCounter(_ context.Context, id string, field types.CounterField, delta int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return notFound(types.ErrCodeNotFoundCampaign, "campaign", id)
	}
	c := rec.counter(field)
	if c == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "unknown counter "+string(field), nil)
	}
	c.Add(delta)
	return nil
}

func (s *CampaignStore) businessOf(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byID[id]; ok {
		return rec.c.BusinessID
	}
	return ""
}
