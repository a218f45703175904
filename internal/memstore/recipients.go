package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"blastengine/internal/types"
)

// RecipientStore holds recipients.
type RecipientStore struct {
	mu         sync.RWMutex
	byID       map[string]*types.Recipient
	byCampaign map[string][]string
}

// NewRecipientStore creates an empty RecipientStore.
func NewRecipientStore() *RecipientStore {
	return &RecipientStore{
		byID:       make(map[string]*types.Recipient),
		byCampaign: make(map[string][]string),
	}
}

func cloneRecipient(r *types.Recipient) *types.Recipient {
	cp := *r
	cp.Addresses = slices.Clone(r.Addresses)
	if r.Variables != nil {
		cp.Variables = make(types.Metadata, len(r.Variables))
		for k, v := range r.Variables {
			cp.Variables[k] = v
		}
	}
	return &cp
}

// InsertBatch stores new recipients. A customer already present in the
// same campaign is ignored.
func (s *RecipientStore) InsertBatch(_ context.Context, rs []*types.Recipient) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, r := range rs {
		if s.findByCustomer(r.CampaignID, r.CustomerID) != nil {
			continue
		}
		s.byID[r.ID] = cloneRecipient(r)
		s.byCampaign[r.CampaignID] = append(s.byCampaign[r.CampaignID], r.ID)
		inserted++
	}
	return inserted, nil
}

func (s *RecipientStore) findByCustomer(campaignID, customerID string) *types.Recipient {
	for _, id := range s.byCampaign[campaignID] {
		if r := s.byID[id]; r.CustomerID == customerID {
			return r
		}
	}
	return nil
}

// Get returns a copy of the recipient.
func (s *RecipientStore) Get(_ context.Context, id string) (*types.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, notFound(types.ErrCodeNotFoundRecipient, "recipient", id)
	}
	return cloneRecipient(r), nil
}

// GetByCustomer returns the campaign's recipient for customerID.
func (s *RecipientStore) GetByCustomer(_ context.Context, campaignID, customerID string) (*types.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.findByCustomer(campaignID, customerID)
	if r == nil {
		return nil, notFound(types.ErrCodeNotFoundRecipient, "recipient for customer", customerID)
	}
	return cloneRecipient(r), nil
}

// SaveState writes the cascade fields of r. The cursor never moves
// backwards and terminal recipients are not modified.
func (s *RecipientStore) SaveState(_ context.Context, r *types.Recipient) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[r.ID]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundRecipient, "recipient", r.ID)
	}
	if cur.Status.IsTerminal() {
		return false, nil
	}
	cur.CurrentStep = max(cur.CurrentStep, r.CurrentStep)
	cur.Status = r.Status
	cur.AttemptsCount = r.AttemptsCount
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		cur.NextAttemptAt = &t
	} else {
		cur.NextAttemptAt = nil
	}
	cur.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddCost adds amount to the recipient's accumulated cost.
func (s *RecipientStore) AddCost(_ context.Context, id string, amount types.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return notFound(types.ErrCodeNotFoundRecipient, "recipient", id)
	}
	r.TotalCost += amount
	return nil
}

// ListDue returns ids of active recipients whose wake-up time is not after
// now, earliest first.
func (s *RecipientStore) ListDue(_ context.Context, campaignID string, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*types.Recipient
	for _, id := range s.byCampaign[campaignID] {
		if r := s.byID[id]; r.IsDue(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return wakeOf(due[i]).Before(wakeOf(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func wakeOf(r *types.Recipient) time.Time {
	if r.NextAttemptAt == nil {
		return time.Time{}
	}
	return *r.NextAttemptAt
}

// CountActive counts PENDING and PROCESSING recipients.
func (s *RecipientStore) CountActive(_ context.Context, campaignID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.byCampaign[campaignID] {
		if !s.byID[id].Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// CountByStatus returns the status breakdown of a campaign's recipients.
func (s *RecipientStore) CountByStatus(_ context.Context, campaignID string) (map[types.RecipientStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.RecipientStatus]int64)
	for _, id := range s.byCampaign[campaignID] {
		out[s.byID[id].Status]++
	}
	return out, nil
}

// ListByCampaign returns copies of all recipients of a campaign in
// insertion order.
func (s *RecipientStore) ListByCampaign(_ context.Context, campaignID string) ([]*types.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCampaign[campaignID]
	out := make([]*types.Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecipient(s.byID[id]))
	}
	return out, nil
}

// markOnce sets the field selected by pick to at when it is unset.
func (s *RecipientStore) markOnce(id string, at time.Time, pick func(*types.Recipient) **time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return false, notFound(types.ErrCodeNotFoundRecipient, "recipient", id)
	}
	field := pick(r)
	if *field != nil {
		return false, nil
	}
	t := at
	*field = &t
	return true, nil
}

// MarkOpened sets LastOpenedAt if unset.
func (s *RecipientStore) MarkOpened(_ context.Context, id string, at time.Time) (bool, error) {
	return s.markOnce(id, at, func(r *types.Recipient) **time.Time { return &r.LastOpenedAt })
}

// MarkClicked sets LastClickedAt if unset.
func (s *RecipientStore) MarkClicked(_ context.Context, id string, at time.Time) (bool, error) {
	return s.markOnce(id, at, func(r *types.Recipient) **time.Time { return &r.LastClickedAt })
}

// MarkConverted sets ConvertedAt if unset.
func (s *RecipientStore) MarkConverted(_ context.Context, id string, at time.Time) (bool, error) {
	return s.markOnce(id, at, func(r *types.Recipient) **time.Time { return &r.ConvertedAt })
}

// FailActive moves every PENDING or PROCESSING recipient of the campaign
// to FAILED.
func (s *RecipientStore) FailActive(_ context.Context, campaignID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.byCampaign[campaignID] {
		r := s.byID[id]
		if r.Status.IsTerminal() {
			continue
		}
		r.Status = types.RecipientFailed
		r.NextAttemptAt = nil
		r.UpdatedAt = now
		n++
	}
	return n, nil
}
