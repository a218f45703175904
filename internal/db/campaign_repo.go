package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"blastengine/internal/types"
)

// CampaignRepository provides data access for the campaigns table. Spend
// and counters are changed only through single-statement atomic updates.
type CampaignRepository struct {
	db DBTX
}

// NewCampaignRepository creates a CampaignRepository.
func NewCampaignRepository(db DBTX) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, business_id, business_name, name, trigger_type, strategy,
	budget_cap, current_cost, reserved_cost, status, status_reason,
	scheduled_at, started_at, completed_at,
	total_recipients, sent_count, delivered_count, opened_count, clicked_count, converted_count,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (*types.Campaign, error) {
	var c types.Campaign
	err := row.Scan(
		&c.ID, &c.BusinessID, &c.BusinessName, &c.Name, &c.Trigger, &c.Strategy,
		&c.BudgetCap, &c.CurrentCost, &c.ReservedCost, &c.Status, &c.StatusReason,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt,
		&c.Counters.Recipients, &c.Counters.Sent, &c.Counters.Delivered,
		&c.Counters.Opened, &c.Counters.Clicked, &c.Counters.Converted,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a campaign.
func (r *CampaignRepository) Create(ctx context.Context, c *types.Campaign) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO campaigns
		 (id, business_id, business_name, name, trigger_type, strategy, budget_cap,
		  status, status_reason, scheduled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()), COALESCE($11, NOW()))`,
		c.ID, c.BusinessID, c.BusinessName, c.Name, string(c.Trigger), c.Strategy, c.BudgetCap,
		string(c.Status), c.StatusReason, c.ScheduledAt, nilIfZeroTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictCampaignState, "campaign "+c.ID+" already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create campaign", err)
	}
	return nil
}

// Get returns one campaign.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*types.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign "+id+" not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve campaign", err)
	}
	return c, nil
}

// List returns campaigns in the given statuses, or all, oldest first.
func (r *CampaignRepository) List(ctx context.Context, statuses ...types.CampaignStatus) ([]*types.Campaign, error) {
	if len(statuses) == 0 {
		return r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at`)
	}
	return r.query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ANY($1) ORDER BY created_at`,
		statusStrings(statuses))
}

// ListByStatus returns campaigns in status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status types.CampaignStatus) ([]*types.Campaign, error) {
	return r.List(ctx, status)
}

// ListDueScheduled returns SCHEDULED campaigns whose start time is not
// after now.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*types.Campaign, error) {
	return r.query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = 'scheduled' AND scheduled_at <= $1
		 ORDER BY scheduled_at`, now)
}

func (r *CampaignRepository) query(ctx context.Context, sql string, args ...any) ([]*types.Campaign, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list campaigns", err)
	}
	defer rows.Close()

	var out []*types.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan campaign row", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating campaign rows", err)
	}
	return out, nil
}

// Transition moves the campaign to status to when its current status is
// one of from. A false result with a nil error means the guard did not
// hold; a missing campaign is reported as not found.
func (r *CampaignRepository) Transition(ctx context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, reason string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET
			status = $3,
			status_reason = $4,
			updated_at = $5,
			started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $5) ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'cancelled') THEN $5 ELSE completed_at END
		 WHERE id = $1 AND status = ANY($2)`,
		id, statusStrings(from), string(to), reason, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition campaign", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.exists(ctx, id)
}

// Schedule sets the start time of a DRAFT or SCHEDULED campaign.
func (r *CampaignRepository) Schedule(ctx context.Context, id string, at, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = 'scheduled', scheduled_at = $2, updated_at = $3
		 WHERE id = $1 AND status IN ('draft', 'scheduled')`,
		id, at, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to schedule campaign", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.exists(ctx, id)
}

func (r *CampaignRepository) exists(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM campaigns WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign "+id+" not found", nil)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check campaign", err)
	}
	return nil
}

// SetRecipientTotal records the materialized audience size.
func (r *CampaignRepository) SetRecipientTotal(ctx context.Context, id string, n int64) error {
	return r.update(ctx, id, "failed to set recipient total",
		`UPDATE campaigns SET total_recipients = $2, updated_at = NOW() WHERE id = $1`, n)
}

// ReserveBudget reserves amount in one conditional update: it succeeds
// only while current + reserved + amount stays within the cap.
func (r *CampaignRepository) ReserveBudget(ctx context.Context, id string, amount types.Money) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET reserved_cost = reserved_cost + $2
		 WHERE id = $1 AND (budget_cap IS NULL OR current_cost + reserved_cost + $2 <= budget_cap)`,
		id, amount,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve budget", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.exists(ctx, id)
}

// SettleBudget releases reserved and adds actual to the settled spend.
func (r *CampaignRepository) SettleBudget(ctx context.Context, id string, reserved, actual types.Money) error {
	return r.update(ctx, id, "failed to settle budget",
		`UPDATE campaigns SET
			reserved_cost = GREATEST(reserved_cost - $2, 0),
			current_cost = current_cost + $3
		 WHERE id = $1`, reserved, actual)
}

// counterColumns whitelists the columns IncrementCounter may touch.
var counterColumns = map[types.CounterField]string{
	types.CounterSent:      "sent_count",
	types.CounterDelivered: "delivered_count",
	types.CounterOpened:    "opened_count",
	types.CounterClicked:   "clicked_count",
	types.CounterConverted: "converted_count",
}

// IncrementCounter adds delta to one campaign counter.
func (r *CampaignRepository) IncrementCounter(ctx context.Context, id string, field types.CounterField, delta int64) error {
	col, ok := counterColumns[field]
	if !ok {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "unknown counter "+string(field), nil)
	}
	return r.update(ctx, id, "failed to increment "+col,
		`UPDATE campaigns SET `+col+` = `+col+` + $2 WHERE id = $1`, delta)
}

func (r *CampaignRepository) update(ctx context.Context, id, msg, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign "+id+" not found", nil)
	}
	return nil
}
