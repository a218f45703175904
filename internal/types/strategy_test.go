package types

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultStrategyIsValid(t *testing.T) {
	s := DefaultStrategy()
	if err := s.Validate(); err != nil {
		t.Fatalf("default strategy invalid: %v", err)
	}
	if len(s.Cascade) != 3 || s.Cascade[0].Channel != ChannelWhatsApp || s.Cascade[2].TimeoutMin != 0 {
		t.Errorf("unexpected default cascade: %+v", s.Cascade)
	}
	if s.RetryDelay() != 30*time.Minute {
		t.Errorf("RetryDelay() = %v", s.RetryDelay())
	}
	if !s.Stops(StopRedeemed) || !s.Stops(StopDeliveredAndClicked) {
		t.Error("default stop conditions missing")
	}
}

func TestStrategyValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Strategy)
		code ErrorCode
	}{
		{"empty cascade", func(s *Strategy) { s.Cascade = nil }, ErrCodeValidationInvalidStrategy},
		{"unknown channel", func(s *Strategy) { s.Cascade[0].Channel = "pigeon" }, ErrCodeValidationInvalidStrategy},
		{"negative timeout", func(s *Strategy) { s.Cascade[1].TimeoutMin = -1 }, ErrCodeValidationInvalidStrategy},
		{"zero attempts", func(s *Strategy) { s.MaxAttemptsPerStep = 0 }, ErrCodeValidationInvalidStrategy},
		{"unknown stop", func(s *Strategy) { s.StopOn = []StopCondition{"opened"} }, ErrCodeValidationInvalidStrategy},
		{"bad quiet start", func(s *Strategy) { s.QuietHours.Start = "25:00" }, ErrCodeValidationInvalidStrategy},
		{"bad timezone", func(s *Strategy) { s.QuietHours.Timezone = "Mars/Olympus" }, ErrCodeValidationInvalidTimezone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultStrategy()
			tt.mut(&s)
			err := s.Validate()
			if !IsCode(err, tt.code) {
				t.Errorf("Validate() = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestStrategyWithDefaults(t *testing.T) {
	s := Strategy{Cascade: []CascadeStep{{Channel: ChannelEmail}}}.WithDefaults()
	if len(s.Cascade) != 1 {
		t.Errorf("explicit cascade replaced: %+v", s.Cascade)
	}
	if s.MaxAttemptsPerStep != 3 || s.RetryDelayMin != 30 || s.MaxCostPerRecipient != MoneyFromFloat(120) {
		t.Errorf("limits not defaulted: %+v", s)
	}
	if len(s.StopOn) != 2 {
		t.Errorf("stop_on not defaulted: %v", s.StopOn)
	}

	noStop := Strategy{StopOn: []StopCondition{}}.WithDefaults()
	if len(noStop.StopOn) != 0 {
		t.Errorf("explicit empty stop_on overwritten: %v", noStop.StopOn)
	}
}

func TestStrategyDecodesYAMLAndJSON(t *testing.T) {
	doc := `
cascade:
  - channel: sms
    timeout_min: 15
  - channel: email
stop_on: [redeemed]
max_cost_per_recipient: 0.5
max_attempts_per_step: 2
retry_delay_min: 10
`
	var fromYAML Strategy
	if err := yaml.Unmarshal([]byte(doc), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML.MaxCostPerRecipient != 500_000 {
		t.Errorf("MaxCostPerRecipient = %d micros", fromYAML.MaxCostPerRecipient)
	}
	if err := fromYAML.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	raw, err := json.Marshal(fromYAML)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	var fromJSON Strategy
	if err := json.Unmarshal(raw, &fromJSON); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	if fromJSON.Cascade[0].Channel != ChannelSMS || fromJSON.MaxCostPerRecipient != fromYAML.MaxCostPerRecipient {
		t.Errorf("json decoded %+v", fromJSON)
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("21:30")
	if err != nil || c != 21*60+30 {
		t.Errorf("ParseClock(21:30) = %d, %v", c, err)
	}
	for _, bad := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) should fail", bad)
		}
	}
}
