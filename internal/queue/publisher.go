// Package queue carries due recipients from the run-loop to the cascade
// workers over SQS when the engine runs in queue mode.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"blastengine/internal/types"
)

// maxBatch is the SQS SendMessageBatch entry limit.
const maxBatch = 10

// RecipientTask asks a worker to run one cascade evaluation.
type RecipientTask struct {
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	// TraceID correlates the worker's logs with the tick that enqueued it.
	TraceID string `json:"trace_id,omitempty"`
}

// SQSSender abstracts the SQS batch send for testability.
type SQSSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSPublisher enqueues recipient tasks.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewSQSPublisher creates an SQSPublisher for queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger types.Logger) *SQSPublisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends tasks in batches of ten. Entries SQS rejects are reported
// in the returned error. Duplicate deliveries are harmless: workers step
// recipients under the per-recipient lock and skip those not yet due.
func (p *SQSPublisher) Enqueue(ctx context.Context, tasks []RecipientTask) error {
	for start := 0; start < len(tasks); start += maxBatch {
		end := min(start+maxBatch, len(tasks))
		if err := p.sendBatch(ctx, tasks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *SQSPublisher) sendBatch(ctx context.Context, batch []RecipientTask) error {
	entries := make([]sqsTypes.SendMessageBatchRequestEntry, 0, len(batch))
	for i, task := range batch {
		if task.TraceID == "" {
			task.TraceID = types.GetRequestID(ctx)
		}
		body, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("queue: failed to marshal RecipientTask: %w", err)
		}
		entries = append(entries, sqsTypes.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
				"campaign_id": {
					DataType:    aws.String("String"),
					StringValue: aws.String(task.CampaignID),
				},
			},
		})
	}

	out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(p.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send %d tasks to %s: %w", len(batch), p.queueURL, err)
	}
	if len(out.Failed) > 0 {
		first := out.Failed[0]
		return fmt.Errorf("queue: %d of %d tasks rejected (first: %s %s)",
			len(out.Failed), len(batch), aws.ToString(first.Code), aws.ToString(first.Message))
	}

	p.logger.Info("recipient tasks enqueued", "queue_url", p.queueURL, "count", len(batch))
	return nil
}

// DecodeTask parses a task message body.
func DecodeTask(body string) (RecipientTask, error) {
	var task RecipientTask
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return RecipientTask{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed recipient task", err)
	}
	if task.RecipientID == "" {
		return RecipientTask{}, types.NewAppError(types.ErrCodeValidationMissingField, "recipient task without recipient_id", nil)
	}
	return task, nil
}
