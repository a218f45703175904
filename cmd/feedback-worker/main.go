// Package main is the entrypoint for the SES Feedback Worker Lambda function.
//
// SES publishes bounce, complaint, delivery and engagement notifications to
// SNS, which fans them into the feedback SQS queue. This worker unwraps
// each message and feeds the normalized status through the same reconciler
// the HTTP webhooks use, so SES email gets the same stop rules as every
// other provider.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"blastengine/internal/app"
	"blastengine/internal/webhooks"
)

// Handler holds the dependencies for the feedback worker Lambda handler.
type Handler struct {
	reconciler webhooks.Reconciler
	logger     *slog.Logger
}

// Handle processes an SQS batch using partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		statuses, err := webhooks.ParseSESFeedback([]byte(record.Body))
		if err != nil {
			h.logger.ErrorContext(ctx, "dropping malformed SES notification",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}
		if _, err := webhooks.Apply(ctx, h.reconciler, h.logger, statuses); err != nil {
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("feedback worker initializing (cold start)")

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

	handler := &Handler{reconciler: a.Reconciler, logger: logger}
	logger.Info("feedback worker initialized", "queue_url", cfg.AWS.FeedbackQueueURL)
	lambda.Start(handler.Handle)
}
