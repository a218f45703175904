package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"blastengine/internal/types"
)

// RecipientRepository provides data access for the recipients table.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a RecipientRepository.
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, customer_id, addresses, variables, current_step,
	status, attempts_count, next_attempt_at, total_cost,
	last_opened_at, last_clicked_at, converted_at, created_at, updated_at`

func scanRecipient(row pgx.Row) (*types.Recipient, error) {
	var r types.Recipient
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.CustomerID, &r.Addresses, &r.Variables, &r.CurrentStep,
		&r.Status, &r.AttemptsCount, &r.NextAttemptAt, &r.TotalCost,
		&r.LastOpenedAt, &r.LastClickedAt, &r.ConvertedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertBatch inserts recipients in one batch round-trip. Customers already
// present in the campaign are skipped; the result counts inserted rows.
func (r *RecipientRepository) InsertBatch(ctx context.Context, rs []*types.Recipient) (int64, error) {
	if len(rs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, rec := range rs {
		batch.Queue(
			`INSERT INTO recipients
			 (id, campaign_id, customer_id, addresses, variables, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), COALESCE($7, NOW()))
			 ON CONFLICT (campaign_id, customer_id) DO NOTHING`,
			rec.ID, rec.CampaignID, rec.CustomerID, rec.Addresses, rec.Variables,
			string(rec.Status), nilIfZeroTime(rec.CreatedAt),
		)
	}
	sender, ok := r.db.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return r.insertEach(ctx, batch)
	}
	results := sender.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range rs {
		tag, err := results.Exec()
		if err != nil {
			return inserted, types.NewAppError(types.ErrCodeInternalDB, "failed to insert recipients", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// insertEach runs the queued inserts one by one on connections that cannot
// pipeline.
func (r *RecipientRepository) insertEach(ctx context.Context, batch *pgx.Batch) (int64, error) {
	var inserted int64
	for _, q := range batch.QueuedQueries {
		tag, err := r.db.Exec(ctx, q.SQL, q.Arguments...)
		if err != nil {
			return inserted, types.NewAppError(types.ErrCodeInternalDB, "failed to insert recipient", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// Get returns one recipient.
func (r *RecipientRepository) Get(ctx context.Context, id string) (*types.Recipient, error) {
	rec, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRecipient, "recipient "+id+" not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve recipient", err)
	}
	return rec, nil
}

// GetByCustomer returns the campaign's recipient for one customer.
func (r *RecipientRepository) GetByCustomer(ctx context.Context, campaignID, customerID string) (*types.Recipient, error) {
	rec, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE campaign_id = $1 AND customer_id = $2`,
		campaignID, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRecipient,
				"customer "+customerID+" is not a recipient of campaign "+campaignID, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve recipient", err)
	}
	return rec, nil
}

// SaveState writes the cascade fields of rec. The cursor never moves
// backwards and terminal recipients are not modified; applied is false
// when the row was already terminal.
func (r *RecipientRepository) SaveState(ctx context.Context, rec *types.Recipient) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE recipients SET
			current_step = GREATEST(current_step, $2),
			status = $3,
			attempts_count = $4,
			next_attempt_at = $5,
			updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		rec.ID, rec.CurrentStep, string(rec.Status), rec.AttemptsCount, rec.NextAttemptAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to save recipient state", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, rec.ID); err != nil {
		return false, err
	}
	return false, nil
}

// AddCost adds amount to the recipient's accumulated cost.
func (r *RecipientRepository) AddCost(ctx context.Context, id string, amount types.Money) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE recipients SET total_cost = total_cost + $2 WHERE id = $1`, id, amount)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to add recipient cost", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRecipient, "recipient "+id+" not found", nil)
	}
	return nil
}

// ListDue returns ids of active recipients whose wake-up time is not after
// now, earliest first. Leverages the idx_recipients_due partial index.
func (r *RecipientRepository) ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM recipients
		 WHERE campaign_id = $1
		   AND status IN ('pending', 'processing')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		 ORDER BY next_attempt_at NULLS FIRST, created_at, id
		 LIMIT $3`,
		campaignID, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due recipients", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due recipients", err)
	}
	return ids, nil
}

// CountActive counts PENDING and PROCESSING recipients.
func (r *RecipientRepository) CountActive(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id = $1 AND status IN ('pending', 'processing')`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count active recipients", err)
	}
	return n, nil
}

// CountByStatus groups the campaign's recipients by status.
func (r *RecipientRepository) CountByStatus(ctx context.Context, campaignID string) (map[types.RecipientStatus]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count recipients", err)
	}
	defer rows.Close()

	out := make(map[types.RecipientStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient count", err)
		}
		out[types.RecipientStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating recipient counts", err)
	}
	return out, nil
}

// ListByCampaign returns every recipient of the campaign in creation order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*types.Recipient, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE campaign_id = $1 ORDER BY created_at, id`,
		campaignID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recipients", err)
	}
	defer rows.Close()

	var out []*types.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating recipient rows", err)
	}
	return out, nil
}

// markColumns whitelists the columns markOnce may stamp.
var markColumns = map[string]bool{
	"last_opened_at":  true,
	"last_clicked_at": true,
	"converted_at":    true,
}

// markOnce stamps col with at when it is still NULL.
func (r *RecipientRepository) markOnce(ctx context.Context, id, col string, at time.Time) (bool, error) {
	if !markColumns[col] {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "unknown recipient column "+col, nil)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE recipients SET `+col+` = $2, updated_at = NOW() WHERE id = $1 AND `+col+` IS NULL`,
		id, at)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set "+col, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkOpened sets LastOpenedAt if unset.
func (r *RecipientRepository) MarkOpened(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.markOnce(ctx, id, "last_opened_at", at)
}

// MarkClicked sets LastClickedAt if unset.
func (r *RecipientRepository) MarkClicked(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.markOnce(ctx, id, "last_clicked_at", at)
}

// MarkConverted sets ConvertedAt if unset.
func (r *RecipientRepository) MarkConverted(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.markOnce(ctx, id, "converted_at", at)
}

// FailActive moves every PENDING or PROCESSING recipient of the campaign
// to FAILED.
func (r *RecipientRepository) FailActive(ctx context.Context, campaignID string, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE recipients SET status = 'failed', next_attempt_at = NULL, updated_at = $2
		 WHERE campaign_id = $1 AND status IN ('pending', 'processing')`,
		campaignID, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to fail active recipients", err)
	}
	return tag.RowsAffected(), nil
}
