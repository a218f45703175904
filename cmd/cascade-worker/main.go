// Package main is the entrypoint for the Cascade Worker Lambda function.
//
// In queue mode the run-loop publishes due recipients to the SQS work queue
// instead of evaluating them in-process. This worker consumes that queue
// and runs one cascade step per message. The per-recipient lock makes a
// redelivered message harmless: the second step sees the state the first
// one saved.
//
// Handler flow, for each SQS message in the batch:
//  1. Decode the RecipientTask. A malformed body is acknowledged and dropped.
//  2. Step the recipient with the trace id of the tick that enqueued it.
//  3. Report failed steps as batch item failures so only they are retried.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"blastengine/internal/app"
	"blastengine/internal/cascade"
	"blastengine/internal/queue"
	"blastengine/internal/types"
)

// Stepper evaluates one recipient.
type Stepper interface {
	Step(ctx context.Context, recipientID string) (cascade.Outcome, error)
}

// Handler holds the dependencies for the cascade worker Lambda handler.
type Handler struct {
	stepper Stepper
	logger  *slog.Logger
}

// Handle processes an SQS batch using partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	task, err := queue.DecodeTask(record.Body)
	if err != nil {
		// Permanent parse failure: retrying cannot help.
		h.logger.ErrorContext(ctx, "dropping malformed recipient task",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	if task.TraceID != "" {
		ctx = types.WithRequestID(ctx, task.TraceID)
	}
	out, err := h.stepper.Step(ctx, task.RecipientID)
	if err != nil {
		return err
	}
	h.logger.DebugContext(ctx, "recipient stepped",
		"campaign_id", task.CampaignID,
		"recipient_id", task.RecipientID,
		"trace_id", task.TraceID,
		"status", string(out.Status),
		"step", out.Step,
		"dispatched", out.Dispatched,
		"skipped", out.Skipped,
	)
	return nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("cascade worker initializing (cold start)")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.Build(context.Background(), cfg, logger, app.WithInlineMode())
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}

	handler := &Handler{stepper: a.Orchestrator, logger: logger}
	logger.Info("cascade worker initialized")
	lambda.Start(handler.Handle)
}
