package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"blastengine/internal/types"
)

// DirectoryRepository serves the customer-side collaborators: contact
// addresses, per-customer preferences, message templates and staged
// campaign audiences.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository creates a DirectoryRepository.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// MarkSeen refreshes the address's last-used timestamp.
func (r *DirectoryRepository) MarkSeen(ctx context.Context, addressID string, at time.Time) error {
	if addressID == "" {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE contact_addresses SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2) WHERE id = $1`,
		addressID, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark address seen", err)
	}
	return nil
}

// GetPreferences returns the stored preferences, or the defaults when the
// customer has none.
func (r *DirectoryRepository) GetPreferences(ctx context.Context, businessID, customerID string) (types.Preferences, error) {
	var (
		p     types.Preferences
		quiet []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT quiet_hours, max_per_day, max_per_week, locale
		 FROM customer_preferences WHERE business_id = $1 AND customer_id = $2`,
		businessID, customerID,
	).Scan(&quiet, &p.MaxPerDay, &p.MaxPerWeek, &p.Locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.DefaultPreferences(), nil
	}
	if err != nil {
		return types.Preferences{}, types.NewAppError(types.ErrCodeInternalDB, "failed to load preferences", err)
	}
	if len(quiet) > 0 {
		var qh types.QuietHours
		if err := json.Unmarshal(quiet, &qh); err != nil {
			return types.Preferences{}, types.NewAppError(types.ErrCodeInternalDB, "corrupt quiet_hours", err)
		}
		p.QuietHours = &qh
	}
	return p, nil
}

const templateColumns = `id, business_id, name, channel, locale, subject, body_text, body_html, is_active`

func scanTemplate(row pgx.Row) (*types.Template, error) {
	var t types.Template
	err := row.Scan(&t.ID, &t.BusinessID, &t.Name, &t.Channel, &t.Locale, &t.Subject, &t.BodyText, &t.BodyHTML, &t.IsActive)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate returns a template by id.
func (r *DirectoryRepository) GetTemplate(ctx context.Context, id string) (*types.Template, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM message_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template "+id+" not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve template", err)
	}
	return t, nil
}

// FindActiveTemplate returns the first active template for the business,
// channel and locale.
func (r *DirectoryRepository) FindActiveTemplate(ctx context.Context, businessID string, channel types.Channel, locale string) (*types.Template, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM message_templates
		 WHERE business_id = $1 AND channel = $2 AND locale = $3 AND is_active
		 ORDER BY id LIMIT 1`,
		businessID, string(channel), locale))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "no active template", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find template", err)
	}
	return t, nil
}

// StageAudience stores the audience a campaign will materialize on start.
// Re-staging a customer replaces their addresses and variables.
func (r *DirectoryRepository) StageAudience(ctx context.Context, campaignID string, seeds []types.RecipientSeed) (int64, error) {
	var n int64
	for _, s := range seeds {
		tag, err := r.db.Exec(ctx,
			`INSERT INTO audience_members (campaign_id, customer_id, addresses, variables)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (campaign_id, customer_id)
			 DO UPDATE SET addresses = EXCLUDED.addresses, variables = EXCLUDED.variables`,
			campaignID, s.CustomerID, types.AddressList(s.Addresses), s.Variables)
		if err != nil {
			return n, dbError("failed to stage audience member", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// ResolveRecipients returns the staged audience of the campaign.
func (r *DirectoryRepository) ResolveRecipients(ctx context.Context, campaignID string) ([]types.RecipientSeed, error) {
	rows, err := r.db.Query(ctx,
		`SELECT customer_id, addresses, variables FROM audience_members
		 WHERE campaign_id = $1 ORDER BY customer_id`, campaignID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve audience", err)
	}
	defer rows.Close()

	var out []types.RecipientSeed
	for rows.Next() {
		var (
			s     types.RecipientSeed
			addrs types.AddressList
		)
		if err := rows.Scan(&s.CustomerID, &addrs, &s.Variables); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audience member", err)
		}
		s.Addresses = addrs
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating audience rows", err)
	}
	return out, nil
}
