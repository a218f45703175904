package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"blastengine/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch emits one PutMetricData call per event. Failures are logged
// and dropped.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatch creates a CloudWatch recorder. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatch {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordDispatch emits DeliveryAttempt {Channel, Provider, Result} and
// DispatchLatency {Channel} in milliseconds.
func (m *CloudWatch) RecordDispatch(ctx context.Context, channel types.Channel, provider string, result Result, latency time.Duration) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDeliveryAttempt),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dim(types.DimChannel, string(channel)),
				dim(types.DimProvider, provider),
				dim(types.DimResult, string(result)),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDispatchLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimChannel, string(channel))},
		},
	)
}

// RecordWebhook emits WebhookEvent {Provider, Status}.
func (m *CloudWatch) RecordWebhook(ctx context.Context, provider string, status types.AttemptStatus) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricWebhookEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimProvider, provider),
			dim(types.DimStatus, statusLabel(status)),
		},
	})
}

// RecordRecipientOutcome emits RecipientOutcome {Status}.
func (m *CloudWatch) RecordRecipientOutcome(ctx context.Context, status types.RecipientStatus) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricRecipientOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimStatus, string(status))},
	})
}

// RecordTick emits TickDuration in milliseconds.
func (m *CloudWatch) RecordTick(ctx context.Context, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTickDuration),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

var _ Recorder = (*CloudWatch)(nil)
