// Package memstore is the in-process store used in local mode and in
// end-to-end tests. It implements the same narrow interfaces as the
// Postgres repositories: counters and spend are updated atomically, and
// milestone timestamps are set by compare-and-set.
package memstore

import (
	"fmt"

	"blastengine/internal/types"
)

// Store groups the in-memory sub-stores.
type Store struct {
	Campaigns   *CampaignStore
	Recipients  *RecipientStore
	Attempts    *AttemptStore
	Contacts    *ContactStore
	Preferences *PreferenceStore
	Templates   *TemplateStore
	Audience    *StaticAudience
}

// New creates an empty Store.
func New() *Store {
	campaigns := NewCampaignStore()
	return &Store{
		Campaigns:   campaigns,
		Recipients:  NewRecipientStore(),
		Attempts:    NewAttemptStore(campaigns),
		Contacts:    NewContactStore(),
		Preferences: NewPreferenceStore(),
		Templates:   NewTemplateStore(),
		Audience:    NewStaticAudience(),
	}
}

func notFound(code types.ErrorCode, kind, id string) error {
	return types.NewAppError(code, fmt.Sprintf("%s %s not found", kind, id), nil)
}
