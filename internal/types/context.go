package types

import (
	"context"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	campaignIDKey contextKey = "campaign_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCampaignID tags the context with the campaign being processed so
// outbound provider calls and logs can be correlated.
func WithCampaignID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, campaignIDKey, id)
}

// GetCampaignID returns the campaign tag, or "" if none.
func GetCampaignID(ctx context.Context) string {
	id, _ := ctx.Value(campaignIDKey).(string)
	return id
}
