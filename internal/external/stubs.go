package external

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"blastengine/internal/types"
)

var stubCost = types.MoneyFromFloat(0.01)

// StubProvider logs messages instead of sending them. It backs every channel
// in local and test mode so the engine runs without vendor credentials.
type StubProvider struct {
	channel types.Channel
	logger  types.Logger

	mu   sync.Mutex
	sent []Message
}

// NewStubProvider creates a stub for channel.
func NewStubProvider(channel types.Channel, logger types.Logger) *StubProvider {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &StubProvider{channel: channel, logger: logger}
}

func (s *StubProvider) Name() string             { return "stub_" + string(s.channel) }
func (s *StubProvider) Channel() types.Channel   { return s.channel }
func (s *StubProvider) Quote(string) types.Money { return stubCost }

// Send records msg and returns a synthetic id.
func (s *StubProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamTimeout, "stub send cancelled", err)
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	id := "stub_" + uuid.New().String()
	s.logger.Info("stub: message accepted",
		"channel", s.channel,
		"to", msg.To,
		"attempt_id", msg.AttemptID,
		"external_id", id,
	)
	return SendResult{ExternalID: id, Cost: stubCost, Status: types.AttemptSent}, nil
}

// PollStatus reports every stub message as delivered.
func (s *StubProvider) PollStatus(context.Context, string) (string, error) {
	return string(types.AttemptDelivered), nil
}

// Sent returns a copy of the messages accepted so far.
func (s *StubProvider) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

var (
	_ Provider     = (*StubProvider)(nil)
	_ StatusPoller = (*StubProvider)(nil)
)
