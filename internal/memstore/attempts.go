package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"blastengine/internal/types"
)

// ClickRecord is one entry of the click log.
type ClickRecord struct {
	AttemptID string
	URL       string
	At        time.Time
}

// AttemptStore holds delivery attempts and the click log.
type AttemptStore struct {
	campaigns *CampaignStore

	mu         sync.RWMutex
	byID       map[string]*types.DeliveryAttempt
	byExternal map[string]string
	order      []string
	clicks     []ClickRecord
}

// NewAttemptStore creates an empty AttemptStore. campaigns resolves the
// business of an attempt for frequency counting.
func NewAttemptStore(campaigns *CampaignStore) *AttemptStore {
	return &AttemptStore{
		campaigns:  campaigns,
		byID:       make(map[string]*types.DeliveryAttempt),
		byExternal: make(map[string]string),
	}
}

func cloneAttempt(a *types.DeliveryAttempt) *types.DeliveryAttempt {
	cp := *a
	cp.Metadata = maps.Clone(a.Metadata)
	return &cp
}

// Create stores a new attempt.
func (s *AttemptStore) Create(_ context.Context, a *types.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID]; exists {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "attempt "+a.ID+" already exists", nil)
	}
	s.byID[a.ID] = cloneAttempt(a)
	s.order = append(s.order, a.ID)
	if a.ExternalID != "" {
		s.byExternal[a.ExternalID] = a.ID
	}
	return nil
}

func (s *AttemptStore) mutate(id string, fn func(a *types.DeliveryAttempt) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundAttempt, "delivery attempt", id)
	}
	return fn(a), nil
}

// MarkSent records a provider acceptance on a QUEUED attempt.
func (s *AttemptStore) MarkSent(_ context.Context, id, externalID string, cost types.Money, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return notFound(types.ErrCodeNotFoundAttempt, "delivery attempt", id)
	}
	if other, taken := s.byExternal[externalID]; taken && other != id {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "external id "+externalID+" already recorded", nil)
	}
	if a.Status == types.AttemptQueued {
		a.Status = types.AttemptSent
	}
	a.ExternalID = externalID
	a.Cost = cost
	t := at
	a.SentAt = &t
	a.UpdatedAt = at
	s.byExternal[externalID] = id
	return nil
}

// MarkFailed records a dispatch failure.
func (s *AttemptStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	_, err := s.mutate(id, func(a *types.DeliveryAttempt) bool {
		a.Status = types.AttemptFailed
		a.ErrorMessage = reason
		a.UpdatedAt = at
		return true
	})
	return err
}

// Get returns a copy of the attempt.
func (s *AttemptStore) Get(_ context.Context, id string) (*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, notFound(types.ErrCodeNotFoundAttempt, "delivery attempt", id)
	}
	return cloneAttempt(a), nil
}

// GetByExternalID returns the attempt with the provider's message id.
func (s *AttemptStore) GetByExternalID(_ context.Context, externalID string) (*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, notFound(types.ErrCodeNotFoundAttempt, "delivery attempt with external id", externalID)
	}
	return cloneAttempt(s.byID[id]), nil
}

// CompareAndSetStatus moves the attempt from status from to to.
func (s *AttemptStore) CompareAndSetStatus(_ context.Context, id string, from, to types.AttemptStatus) (bool, error) {
	return s.mutate(id, func(a *types.DeliveryAttempt) bool {
		if a.Status != from {
			return false
		}
		a.Status = to
		a.UpdatedAt = time.Now().UTC()
		return true
	})
}

// SetMilestone stamps the milestone timestamp if it is unset and counts it
// on the attempt's campaign. Neither change is kept when the other fails.
func (s *AttemptStore) SetMilestone(ctx context.Context, id string, m types.Milestone, at time.Time) (bool, error) {
	counter, ok := types.CounterForMilestone(m)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundAttempt, "delivery attempt", id)
	}
	field := milestoneField(a, m)
	if *field != nil {
		return false, nil
	}
	if err := s.campaigns.IncrementCounter(ctx, a.CampaignID, counter, 1); err != nil {
		return false, err
	}
	t := at
	*field = &t
	return true, nil
}

func milestoneField(a *types.DeliveryAttempt, m types.Milestone) **time.Time {
	switch m {
	case types.MilestoneOpened:
		return &a.OpenedAt
	case types.MilestoneClicked:
		return &a.ClickedAt
	}
	return &a.DeliveredAt
}

// MergeMetadata shallow-merges md into the attempt's metadata.
func (s *AttemptStore) MergeMetadata(_ context.Context, id string, md map[string]any) error {
	_, err := s.mutate(id, func(a *types.DeliveryAttempt) bool {
		a.Metadata = a.Metadata.Merge(md)
		return true
	})
	return err
}

// CountRecent counts sent or delivered attempts of one customer on one
// channel, within one business, created at or after q.Since.
func (s *AttemptStore) CountRecent(_ context.Context, q types.FrequencyQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.byID {
		if a.CustomerID != q.CustomerID || a.Channel != q.Channel || a.CreatedAt.Before(q.Since) {
			continue
		}
		if a.Status != types.AttemptSent && a.Status != types.AttemptDelivered {
			continue
		}
		if q.BusinessID != "" && s.campaigns.businessOf(a.CampaignID) != q.BusinessID {
			continue
		}
		n++
	}
	return n, nil
}

// HasEngaged reports whether any attempt of the recipient reached
// delivered, opened or clicked.
func (s *AttemptStore) HasEngaged(_ context.Context, recipientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.byID {
		if a.RecipientID == recipientID && a.Status.IsEngaged() {
			return true, nil
		}
	}
	return false, nil
}

// HasSent reports whether any attempt of the recipient was accepted by a
// provider.
func (s *AttemptStore) HasSent(_ context.Context, recipientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.byID {
		if a.RecipientID == recipientID && a.SentAt != nil {
			return true, nil
		}
	}
	return false, nil
}

// ListByRecipient returns the recipient's attempts in creation order.
func (s *AttemptStore) ListByRecipient(_ context.Context, recipientID string) ([]*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DeliveryAttempt
	for _, id := range s.order {
		if a, ok := s.byID[id]; ok && a.RecipientID == recipientID {
			out = append(out, cloneAttempt(a))
		}
	}
	return out, nil
}

// ListByCampaign returns the campaign's attempts in creation order.
func (s *AttemptStore) ListByCampaign(_ context.Context, campaignID string) ([]*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DeliveryAttempt
	for _, id := range s.order {
		if a, ok := s.byID[id]; ok && a.CampaignID == campaignID {
			out = append(out, cloneAttempt(a))
		}
	}
	return out, nil
}

// ListStaleSent returns SENT attempts sent at or before before, oldest
// first.
func (s *AttemptStore) ListStaleSent(_ context.Context, before time.Time, limit int) ([]*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DeliveryAttempt
	for _, a := range s.byID {
		if a.Status == types.AttemptSent && a.SentAt != nil && !a.SentAt.After(before) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailureCountsByChannel counts failed and bounced attempts per channel.
func (s *AttemptStore) FailureCountsByChannel(_ context.Context, campaignID string) (map[types.Channel]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Channel]int64)
	for _, a := range s.byID {
		if a.CampaignID == campaignID && (a.Status == types.AttemptFailed || a.Status == types.AttemptBounced) {
			out[a.Channel]++
		}
	}
	return out, nil
}

// RecordClick appends to the click log.
func (s *AttemptStore) RecordClick(_ context.Context, attemptID, url string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, ClickRecord{AttemptID: attemptID, URL: url, At: at})
	return nil
}

// Clicks returns a copy of the click log.
func (s *AttemptStore) Clicks() []ClickRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ClickRecord(nil), s.clicks...)
}

// DeleteFailedBefore removes FAILED and BOUNCED attempts created before
// cutoff. With dryRun it only counts.
func (s *AttemptStore) DeleteFailedBefore(_ context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.byID {
		if (a.Status != types.AttemptFailed && a.Status != types.AttemptBounced) || !a.CreatedAt.Before(cutoff) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		delete(s.byID, id)
		if a.ExternalID != "" {
			delete(s.byExternal, a.ExternalID)
		}
	}
	if !dryRun && n > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.byID[id]; ok {
				kept = append(kept, id)
			}
		}
		s.order = kept
	}
	return n, nil
}

// DeleteClicksBefore removes click-log entries recorded before cutoff.
func (s *AttemptStore) DeleteClicksBefore(_ context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.clicks[:0:0]
	for _, c := range s.clicks {
		if c.At.Before(cutoff) {
			n++
			if !dryRun {
				continue
			}
		}
		kept = append(kept, c)
	}
	if !dryRun {
		s.clicks = kept
	}
	return n, nil
}
