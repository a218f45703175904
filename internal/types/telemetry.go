package types

// Telemetry metric names shared by the CloudWatch and Prometheus backends.
const (
	// Metric Names
	MetricDeliveryAttempt    = "DeliveryAttempt"
	MetricDeliverySuccess    = "DeliverySuccess"
	MetricDeliveryFailed     = "DeliveryFailed"
	MetricDeliverySkipped    = "DeliverySkipped"
	MetricDispatchLatency    = "DispatchLatency"
	MetricWebhookEvent       = "WebhookEvent"
	MetricRecipientOutcome   = "RecipientOutcome"
	MetricExternalAPIFailure = "ExternalAPIFailure"
	MetricTickDuration       = "TickDuration"

	// Dimension Keys
	DimChannel   = "Channel"
	DimProvider  = "Provider"
	DimResult    = "Result"
	DimStatus    = "Status"
	DimEventType = "EventType"

	// Metric Namespace
	MetricNamespace = "BlastEngine"
)
