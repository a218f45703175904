package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/memstore"
	"blastengine/internal/types"
)

func seed(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	sent := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.Campaigns.Create(ctx, &types.Campaign{ID: "c1", BusinessID: "b1", Status: types.CampaignRunning}))
	_, err := s.Recipients.InsertBatch(ctx, []*types.Recipient{
		{ID: "r1", CampaignID: "c1", CustomerID: "alice", Status: types.RecipientCompleted, CurrentStep: 1, TotalCost: types.MoneyFromFloat(0.05)},
		{ID: "r2", CampaignID: "c1", CustomerID: "bob", Status: types.RecipientPending},
	})
	require.NoError(t, err)
	require.NoError(t, s.Attempts.Create(ctx, &types.DeliveryAttempt{
		ID: "a1", RecipientID: "r1", CampaignID: "c1", Channel: types.ChannelWhatsApp, Provider: "whatsapp",
		Status: types.AttemptFailed, ErrorMessage: "template, rejected",
	}))
	require.NoError(t, s.Attempts.Create(ctx, &types.DeliveryAttempt{
		ID: "a2", RecipientID: "r1", CampaignID: "c1", Step: 1, Channel: types.ChannelSMS, Provider: "twilio",
		Status: types.AttemptDelivered, ExternalID: "SM1", SentAt: &sent, Cost: types.MoneyFromFloat(0.05),
	}))
	return s
}

func readAll(t *testing.T, r io.Reader) [][]string {
	t.Helper()
	records, err := csv.NewReader(r).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExport_PlainCSV(t *testing.T) {
	s := seed(t)
	var buf bytes.Buffer

	n, err := New(s.Recipients, s.Attempts).Export(context.Background(), &buf, "c1", EncodingNone)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records := readAll(t, &buf)
	require.Len(t, records, 4)
	if diff := cmp.Diff(Header, records[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"r1", "a1", "failed", "template, rejected"},
		[]string{records[1][0], records[1][6], records[1][10], records[1][17]})
	assert.Equal(t, "2026-03-02T06:00:00Z", records[2][12])
	assert.Equal(t, "r2", records[3][0])
	assert.Empty(t, records[3][6], "undispatched recipient has no attempt columns")
	assert.Len(t, records[3], len(Header))
}

func TestExport_Compressed(t *testing.T) {
	s := seed(t)
	ex := New(s.Recipients, s.Attempts)

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := ex.Export(context.Background(), &buf, "c1", EncodingGzip)
		require.NoError(t, err)
		zr, err := gzip.NewReader(&buf)
		require.NoError(t, err)
		assert.Len(t, readAll(t, zr), 4)
	})

	t.Run("zstd", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := ex.Export(context.Background(), &buf, "c1", EncodingZstd)
		require.NoError(t, err)
		zr, err := zstd.NewReader(&buf)
		require.NoError(t, err)
		defer zr.Close()
		assert.Len(t, readAll(t, zr), 4)
	})
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want Encoding
		ok   bool
	}{
		{"", EncodingNone, true},
		{"GZ", EncodingGzip, true},
		{"zst", EncodingZstd, true},
		{"brotli", "", false},
	}
	for _, tc := range tests {
		got, err := ParseEncoding(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseEncoding(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseEncoding(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	assert.Equal(t, "campaign-c1.csv.zst", EncodingZstd.FileName("c1"))
}
