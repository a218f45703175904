// Package export writes a campaign's recipients and their delivery attempts
// as CSV, optionally compressed with gzip or zstd.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"blastengine/internal/types"
)

// Encoding selects the stream compression.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingGzip Encoding = "gzip"
	EncodingZstd Encoding = "zstd"
)

// ParseEncoding accepts "", "none", "gzip", "gz", "zstd" and "zst".
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "identity":
		return EncodingNone, nil
	case "gzip", "gz":
		return EncodingGzip, nil
	case "zstd", "zst":
		return EncodingZstd, nil
	}
	return "", types.NewAppError(types.ErrCodeValidationInvalidParam, fmt.Sprintf("unsupported export encoding %q", s), nil)
}

// FileName is the suggested download name for a campaign export.
func (e Encoding) FileName(campaignID string) string {
	name := "campaign-" + campaignID + ".csv"
	switch e {
	case EncodingGzip:
		return name + ".gz"
	case EncodingZstd:
		return name + ".zst"
	}
	return name
}

// RecipientLister lists a campaign's recipients.
type RecipientLister interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]*types.Recipient, error)
}

// AttemptLister lists a campaign's delivery attempts.
type AttemptLister interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]*types.DeliveryAttempt, error)
}

// Exporter builds campaign exports.
type Exporter struct {
	recipients RecipientLister
	attempts   AttemptLister
}

// New creates an Exporter.
func New(recipients RecipientLister, attempts AttemptLister) *Exporter {
	return &Exporter{recipients: recipients, attempts: attempts}
}

// Header is the export's column list.
var Header = []string{
	"recipient_id", "customer_id", "recipient_status", "current_step", "recipient_cost",
	"converted_at", "attempt_id", "step", "channel", "provider", "attempt_status",
	"external_id", "sent_at", "delivered_at", "opened_at", "clicked_at", "attempt_cost",
	"error_message",
}

// Export writes one row per attempt, or a single row with empty attempt
// columns for a recipient that was never dispatched. Recipients keep their
// creation order; attempts follow each recipient in creation order.
func (e *Exporter) Export(ctx context.Context, w io.Writer, campaignID string, enc Encoding) (rows int, err error) {
	recipients, err := e.recipients.ListByCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("Export: list recipients: %w", err)
	}
	attempts, err := e.attempts.ListByCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("Export: list attempts: %w", err)
	}
	byRecipient := make(map[string][]*types.DeliveryAttempt, len(recipients))
	for _, a := range attempts {
		byRecipient[a.RecipientID] = append(byRecipient[a.RecipientID], a)
	}

	out, closeFn, err := compress(w, enc)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("Export: flush %s stream: %w", enc, cerr)
		}
	}()

	cw := csv.NewWriter(out)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("Export: %w", err)
	}
	for _, r := range recipients {
		as := byRecipient[r.ID]
		if len(as) == 0 {
			as = []*types.DeliveryAttempt{nil}
		}
		for _, a := range as {
			if err := cw.Write(row(r, a)); err != nil {
				return rows, fmt.Errorf("Export: %w", err)
			}
			rows++
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("Export: %w", err)
	}
	return rows, nil
}

func compress(w io.Writer, enc Encoding) (io.Writer, func() error, error) {
	switch enc {
	case EncodingGzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case EncodingZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("Export: create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	}
	return w, func() error { return nil }, nil
}

func row(r *types.Recipient, a *types.DeliveryAttempt) []string {
	rec := []string{
		r.ID, r.CustomerID, string(r.Status), strconv.Itoa(r.CurrentStep),
		r.TotalCost.String(), ts(r.ConvertedAt),
	}
	if a == nil {
		return append(rec, make([]string, len(Header)-len(rec))...)
	}
	return append(rec,
		a.ID, strconv.Itoa(a.Step), string(a.Channel), a.Provider, string(a.Status),
		a.ExternalID, ts(a.SentAt), ts(a.DeliveredAt), ts(a.OpenedAt), ts(a.ClickedAt),
		a.Cost.String(), a.ErrorMessage,
	)
}

func ts(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
