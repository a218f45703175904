package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"blastengine/internal/types"
)

// mockSQSSender captures SendMessageBatch calls for test assertions.
type mockSQSSender struct {
	calls  []*sqs.SendMessageBatchInput
	err    error
	failed []sqsTypes.BatchResultErrorEntry
}

func (m *mockSQSSender) SendMessageBatch(_ context.Context, params *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageBatchOutput{Failed: m.failed}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/recipient-work"

func tasks(n int) []RecipientTask {
	out := make([]RecipientTask, n)
	for i := range out {
		out[i] = RecipientTask{CampaignID: "c1", RecipientID: fmt.Sprintf("r%d", i)}
	}
	return out
}

func TestEnqueue_SplitsIntoBatchesOfTen(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewSQSPublisher(mock, testQueueURL, nil)

	ctx := types.WithRequestID(context.Background(), "tick-1")
	if err := p.Enqueue(ctx, tasks(23)); err != nil {
		t.Fatalf("Enqueue returned unexpected error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 batch calls, got %d", len(mock.calls))
	}
	sizes := []int{len(mock.calls[0].Entries), len(mock.calls[1].Entries), len(mock.calls[2].Entries)}
	if sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 3 {
		t.Errorf("batch sizes = %v, want [10 10 3]", sizes)
	}
	if got := aws.ToString(mock.calls[0].QueueUrl); got != testQueueURL {
		t.Errorf("queue url = %q", got)
	}

	var task RecipientTask
	if err := json.Unmarshal([]byte(aws.ToString(mock.calls[2].Entries[0].MessageBody)), &task); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if task.RecipientID != "r20" || task.TraceID != "tick-1" {
		t.Errorf("task = %+v", task)
	}
}

func TestEnqueue_SendErrorIsWrapped(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	p := NewSQSPublisher(mock, testQueueURL, nil)

	err := p.Enqueue(context.Background(), tasks(1))
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected wrapped SQS error, got %v", err)
	}
}

func TestEnqueue_PartialFailureIsReported(t *testing.T) {
	mock := &mockSQSSender{failed: []sqsTypes.BatchResultErrorEntry{{Id: aws.String("0"), Code: aws.String("InternalError"), Message: aws.String("boom")}}}
	p := NewSQSPublisher(mock, testQueueURL, nil)

	err := p.Enqueue(context.Background(), tasks(2))
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected partial failure error, got %v", err)
	}
}

func TestEnqueue_EmptyIsNoop(t *testing.T) {
	mock := &mockSQSSender{}
	if err := NewSQSPublisher(mock, testQueueURL, nil).Enqueue(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected no calls, got %d", len(mock.calls))
	}
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask(`{"campaign_id":"c1","recipient_id":"r1"}`)
	if err != nil || task.RecipientID != "r1" {
		t.Fatalf("DecodeTask = %+v, %v", task, err)
	}
	if _, err := DecodeTask(`{`); !types.IsCode(err, types.ErrCodeValidationInvalidJSON) {
		t.Errorf("expected invalid json code, got %v", err)
	}
	if _, err := DecodeTask(`{"campaign_id":"c1"}`); !types.IsCode(err, types.ErrCodeValidationMissingField) {
		t.Errorf("expected missing field code, got %v", err)
	}
}
