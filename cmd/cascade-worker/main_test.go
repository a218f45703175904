package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/cascade"
	"blastengine/internal/types"
)

type mockStepper struct {
	stepped  []string
	traceIDs []string
	fail     map[string]error
}

func (m *mockStepper) Step(ctx context.Context, recipientID string) (cascade.Outcome, error) {
	m.stepped = append(m.stepped, recipientID)
	m.traceIDs = append(m.traceIDs, types.GetRequestID(ctx))
	if err := m.fail[recipientID]; err != nil {
		return cascade.Outcome{}, err
	}
	return cascade.Outcome{Status: types.RecipientProcessing, Dispatched: 1}, nil
}

func newHandler(s Stepper) *Handler {
	return &Handler{stepper: s, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestHandle_PartialBatchFailure(t *testing.T) {
	stepper := &mockStepper{fail: map[string]error{"r2": errors.New("lock timeout")}}
	h := newHandler(stepper)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: `{"campaign_id":"c1","recipient_id":"r1","trace_id":"tick-1"}`},
		{MessageId: "m2", Body: `{"campaign_id":"c1","recipient_id":"r2"}`},
		{MessageId: "m3", Body: `{"campaign_id":"c1","recipient_id":"r3","trace_id":"tick-1"}`},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2", "r3"}, stepper.stepped)
	assert.Equal(t, "tick-1", stepper.traceIDs[0])
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m2"}}, resp.BatchItemFailures)
}

func TestHandle_MalformedMessagesAreAcknowledged(t *testing.T) {
	stepper := &mockStepper{}
	h := newHandler(stepper)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: `{"recipient_id":`},
		{MessageId: "no-recipient", Body: `{"campaign_id":"c1"}`},
	}})
	require.NoError(t, err)

	assert.Empty(t, stepper.stepped)
	assert.Empty(t, resp.BatchItemFailures)
}
