package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"blastengine/internal/types"
)

// AttemptRepository provides data access for the delivery_attempts and
// click_events tables. Reconciliation updates are compare-and-set
// statements so concurrent webhooks cannot regress an attempt.
type AttemptRepository struct {
	db DBTX
}

// NewAttemptRepository creates an AttemptRepository.
func NewAttemptRepository(db DBTX) *AttemptRepository {
	return &AttemptRepository{db: db}
}

const attemptColumns = `id, recipient_id, campaign_id, customer_id, contact_address_id, step,
	channel, provider, template_id, subject, body, status, COALESCE(external_id, ''),
	sent_at, delivered_at, opened_at, clicked_at, cost, error_message, metadata,
	created_at, updated_at`

func scanAttempt(row pgx.Row) (*types.DeliveryAttempt, error) {
	var a types.DeliveryAttempt
	err := row.Scan(
		&a.ID, &a.RecipientID, &a.CampaignID, &a.CustomerID, &a.ContactAddressID, &a.Step,
		&a.Channel, &a.Provider, &a.TemplateID, &a.Subject, &a.Body, &a.Status, &a.ExternalID,
		&a.SentAt, &a.DeliveredAt, &a.OpenedAt, &a.ClickedAt, &a.Cost, &a.ErrorMessage, &a.Metadata,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a QUEUED attempt.
func (r *AttemptRepository) Create(ctx context.Context, a *types.DeliveryAttempt) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_attempts
		 (id, recipient_id, campaign_id, customer_id, contact_address_id, step, channel, provider,
		  template_id, subject, body, status, external_id, cost, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         COALESCE($16, NOW()), COALESCE($16, NOW()))`,
		a.ID, a.RecipientID, a.CampaignID, a.CustomerID, a.ContactAddressID, a.Step,
		string(a.Channel), a.Provider, a.TemplateID, a.Subject, a.Body, string(a.Status),
		nilIfEmpty(a.ExternalID), a.Cost, a.Metadata, nilIfZeroTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "attempt "+a.ID+" already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery attempt", err)
	}
	return nil
}

// MarkSent records a provider acceptance. The status moves to SENT only
// from QUEUED so an early webhook is never overwritten.
func (r *AttemptRepository) MarkSent(ctx context.Context, id, externalID string, cost types.Money, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_attempts SET
			status = CASE WHEN status = 'queued' THEN 'sent' ELSE status END,
			external_id = $2,
			cost = $3,
			sent_at = $4,
			updated_at = $4
		 WHERE id = $1`,
		id, externalID, cost, at)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "external id "+externalID+" already recorded", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark attempt sent", err)
	}
	return notFoundIfNone(tag.RowsAffected(), id)
}

// MarkFailed records a dispatch failure.
func (r *AttemptRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_attempts SET status = 'failed', error_message = $2, updated_at = $3 WHERE id = $1`,
		id, reason, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark attempt failed", err)
	}
	return notFoundIfNone(tag.RowsAffected(), id)
}

func notFoundIfNone(affected int64, id string) error {
	if affected == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAttempt, "delivery attempt "+id+" not found", nil)
	}
	return nil
}

// Get returns one attempt.
func (r *AttemptRepository) Get(ctx context.Context, id string) (*types.DeliveryAttempt, error) {
	return r.getOne(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id)
}

// GetByExternalID returns the attempt carrying the provider's message id.
func (r *AttemptRepository) GetByExternalID(ctx context.Context, externalID string) (*types.DeliveryAttempt, error) {
	return r.getOne(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE external_id = $1`, externalID)
}

func (r *AttemptRepository) getOne(ctx context.Context, sql, key string) (*types.DeliveryAttempt, error) {
	a, err := scanAttempt(r.db.QueryRow(ctx, sql, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAttempt, "delivery attempt "+key+" not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve delivery attempt", err)
	}
	return a, nil
}

// CompareAndSetStatus moves the attempt from status from to to.
func (r *AttemptRepository) CompareAndSetStatus(ctx context.Context, id string, from, to types.AttemptStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_attempts SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update attempt status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// milestoneColumns maps milestones to their timestamp columns.
var milestoneColumns = map[types.Milestone]string{
	types.MilestoneDelivered: "delivered_at",
	types.MilestoneOpened:    "opened_at",
	types.MilestoneClicked:   "clicked_at",
}

// SetMilestone stamps the milestone timestamp if it is unset and counts it
// on the attempt's campaign. Both writes are one statement, so a stamped
// timestamp always has its counter.
func (r *AttemptRepository) SetMilestone(ctx context.Context, id string, m types.Milestone, at time.Time) (bool, error) {
	col, ok := milestoneColumns[m]
	if !ok {
		return false, nil
	}
	field, _ := types.CounterForMilestone(m)
	counter := counterColumns[field]
	tag, err := r.db.Exec(ctx,
		`WITH stamped AS (
			UPDATE delivery_attempts SET `+col+` = $2 WHERE id = $1 AND `+col+` IS NULL
			RETURNING campaign_id
		)
		UPDATE campaigns SET `+counter+` = `+counter+` + 1
		FROM stamped WHERE campaigns.id = stamped.campaign_id`, id, at)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set "+col, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeMetadata shallow-merges md into the attempt's metadata.
func (r *AttemptRepository) MergeMetadata(ctx context.Context, id string, md map[string]any) error {
	if len(md) == 0 {
		return nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_attempts SET metadata = metadata || $2::jsonb WHERE id = $1`,
		id, types.Metadata(md))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to merge attempt metadata", err)
	}
	return notFoundIfNone(tag.RowsAffected(), id)
}

// CountRecent counts sent or delivered attempts of one customer on one
// channel, within one business, created at or after q.Since. Leverages the
// idx_attempts_frequency index.
func (r *AttemptRepository) CountRecent(ctx context.Context, q types.FrequencyQuery) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_attempts a
		 JOIN campaigns c ON c.id = a.campaign_id
		 WHERE a.customer_id = $1
		   AND a.channel = $2
		   AND a.created_at >= $3
		   AND a.status IN ('sent', 'delivered')
		   AND ($4 = '' OR c.business_id = $4)`,
		q.CustomerID, string(q.Channel), q.Since, q.BusinessID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count recent attempts", err)
	}
	return n, nil
}

// HasEngaged reports whether any attempt of the recipient reached
// delivered, opened or clicked.
func (r *AttemptRepository) HasEngaged(ctx context.Context, recipientID string) (bool, error) {
	return r.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_attempts
		 WHERE recipient_id = $1 AND status IN ('delivered', 'opened', 'clicked'))`, recipientID)
}

// HasSent reports whether any attempt of the recipient was accepted by a
// provider.
func (r *AttemptRepository) HasSent(ctx context.Context, recipientID string) (bool, error) {
	return r.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_attempts WHERE recipient_id = $1 AND sent_at IS NOT NULL)`,
		recipientID)
}

func (r *AttemptRepository) exists(ctx context.Context, sql, arg string) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, sql, arg).Scan(&ok); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to query attempts", err)
	}
	return ok, nil
}

// ListByRecipient returns the recipient's attempts in creation order.
func (r *AttemptRepository) ListByRecipient(ctx context.Context, recipientID string) ([]*types.DeliveryAttempt, error) {
	return r.list(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE recipient_id = $1 ORDER BY created_at, id`,
		recipientID)
}

// ListByCampaign returns the campaign's attempts in creation order.
func (r *AttemptRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*types.DeliveryAttempt, error) {
	return r.list(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE campaign_id = $1 ORDER BY created_at, id`,
		campaignID)
}

// ListStaleSent returns SENT attempts sent at or before before, oldest
// first.
func (r *AttemptRepository) ListStaleSent(ctx context.Context, before time.Time, limit int) ([]*types.DeliveryAttempt, error) {
	return r.list(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE status = 'sent' AND sent_at <= $1
		 ORDER BY sent_at LIMIT $2`,
		before, limit)
}

func (r *AttemptRepository) list(ctx context.Context, sql string, args ...any) ([]*types.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list delivery attempts", err)
	}
	defer rows.Close()

	var out []*types.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery attempt row", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery attempt rows", err)
	}
	return out, nil
}

// FailureCountsByChannel counts failed and bounced attempts per channel.
func (r *AttemptRepository) FailureCountsByChannel(ctx context.Context, campaignID string) (map[types.Channel]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel, COUNT(*) FROM delivery_attempts
		 WHERE campaign_id = $1 AND status IN ('failed', 'bounced')
		 GROUP BY channel`, campaignID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count failures", err)
	}
	defer rows.Close()

	out := make(map[types.Channel]int64)
	for rows.Next() {
		var ch string
		var n int64
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan failure count", err)
		}
		out[types.Channel(ch)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating failure counts", err)
	}
	return out, nil
}

// RecordClick appends to the click log.
func (r *AttemptRepository) RecordClick(ctx context.Context, attemptID, url string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO click_events (attempt_id, url, clicked_at) VALUES ($1, $2, $3)`,
		attemptID, url, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record click", err)
	}
	return nil
}

// DeleteFailedBefore removes FAILED and BOUNCED attempts created before
// cutoff. With dryRun it only counts.
func (r *AttemptRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	const where = ` FROM delivery_attempts WHERE status IN ('failed', 'bounced') AND created_at < $1`
	return r.purge(ctx, where, cutoff, dryRun, "failed attempts")
}

// DeleteClicksBefore removes click-log entries recorded before cutoff.
func (r *AttemptRepository) DeleteClicksBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	const where = ` FROM click_events WHERE clicked_at < $1`
	return r.purge(ctx, where, cutoff, dryRun, "click events")
}

func (r *AttemptRepository) purge(ctx context.Context, where string, cutoff time.Time, dryRun bool, what string) (int64, error) {
	if dryRun {
		var n int64
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+where, cutoff).Scan(&n); err != nil {
			return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count "+what, err)
		}
		return n, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE`+where, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete "+what, err)
	}
	return tag.RowsAffected(), nil
}
