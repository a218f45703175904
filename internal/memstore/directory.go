package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"blastengine/internal/types"
)

// ContactStore records when contact addresses were last used.
type ContactStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewContactStore creates an empty ContactStore.
func NewContactStore() *ContactStore {
	return &ContactStore{seen: make(map[string]time.Time)}
}

// MarkSeen records that the address was used at at.
func (s *ContactStore) MarkSeen(_ context.Context, addressID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[addressID] = at
	return nil
}

// LastSeen returns when the address was last used.
func (s *ContactStore) LastSeen(addressID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.seen[addressID]
	return t, ok
}

// PreferenceStore holds per-customer preferences keyed by business and
// customer.
type PreferenceStore struct {
	mu    sync.RWMutex
	prefs map[[2]string]types.Preferences
}

// NewPreferenceStore creates an empty PreferenceStore.
func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{prefs: make(map[[2]string]types.Preferences)}
}

// Set stores preferences for a customer of a business.
func (s *PreferenceStore) Set(businessID, customerID string, p types.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[[2]string{businessID, customerID}] = p
}

// GetPreferences returns the stored preferences or the defaults.
func (s *PreferenceStore) GetPreferences(_ context.Context, businessID, customerID string) (types.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[[2]string{businessID, customerID}]; ok {
		return p, nil
	}
	return types.DefaultPreferences(), nil
}

// TemplateStore holds message templates.
type TemplateStore struct {
	mu        sync.RWMutex
	templates []*types.Template
}

// NewTemplateStore creates an empty TemplateStore.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{}
}

// Put adds or replaces a template.
func (s *TemplateStore) Put(t *types.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	for i, existing := range s.templates {
		if existing.ID == t.ID {
			s.templates[i] = &cp
			return
		}
	}
	s.templates = append(s.templates, &cp)
}

// GetTemplate returns a template by id.
func (s *TemplateStore) GetTemplate(_ context.Context, id string) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, notFound(types.ErrCodeNotFoundTemplate, "template", id)
}

// FindActiveTemplate returns the first active template matching business,
// channel and locale.
func (s *TemplateStore) FindActiveTemplate(_ context.Context, businessID string, channel types.Channel, locale string) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates {
		if t.IsActive && t.BusinessID == businessID && t.Channel == channel && t.Locale == locale {
			cp := *t
			return &cp, nil
		}
	}
	return nil, notFound(types.ErrCodeNotFoundTemplate, "active template for channel", string(channel))
}

// StaticAudience serves preloaded recipient seeds per campaign.
type StaticAudience struct {
	mu    sync.RWMutex
	seeds map[string][]types.RecipientSeed
	errs  map[string]error
}

// NewStaticAudience creates an empty StaticAudience.
func NewStaticAudience() *StaticAudience {
	return &StaticAudience{
		seeds: make(map[string][]types.RecipientSeed),
		errs:  make(map[string]error),
	}
}

// Set stores the audience of a campaign.
func (a *StaticAudience) Set(campaignID string, seeds []types.RecipientSeed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seeds[campaignID] = slices.Clone(seeds)
}

// Fail makes resolution of campaignID return err.
func (a *StaticAudience) Fail(campaignID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[campaignID] = err
}

// ResolveRecipients returns the stored seeds. A campaign with no stored
// audience resolves to none.
func (a *StaticAudience) ResolveRecipients(_ context.Context, campaignID string) ([]types.RecipientSeed, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.errs[campaignID]; err != nil {
		return nil, err
	}
	return slices.Clone(a.seeds[campaignID]), nil
}

// StageAudience adds seeds to a campaign's audience. A customer already
// staged has their addresses and variables replaced.
func (a *StaticAudience) StageAudience(_ context.Context, campaignID string, seeds []types.RecipientSeed) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.seeds[campaignID]
	for _, s := range seeds {
		i := slices.IndexFunc(current, func(x types.RecipientSeed) bool { return x.CustomerID == s.CustomerID })
		if i >= 0 {
			current[i] = s
			continue
		}
		current = append(current, s)
	}
	a.seeds[campaignID] = current
	return int64(len(seeds)), nil
}
