package schema

import (
	"testing"
	"time"
)

func TestEventTypeIsValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		want      bool
	}{
		{"ai data access", EventAIDataAccess, true},
		{"ai prompt sensitivity", EventAIPromptSensitivity, true},
		{"ai tool discovery", EventAIToolDiscovery, true},
		{"ai model training", EventAIModelTraining, true},
		{"system access", EventSystemAccess, true},
		{"system auth failure", EventSystemAuthFailure, true},
		{"privilege escalation", EventPrivilegeEscalation, true},
		{"data movement", EventDataMovement, true},
		{"data export", EventDataExport, true},
		{"data aggregation", EventDataAggregation, true},
		{"unknown type", EventType("NETWORK_SCAN"), false},
		{"lowercase", EventType("ai_data_access"), false},
		{"empty", EventType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.IsValid(); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	validator := NewValidator()
	now := time.Now().UTC()

	validEvent := func() *SecurityEvent {
		return &SecurityEvent{
			EventID:        "evt-abc-123",
			EventType:      EventAIDataAccess,
			Timestamp:      now,
			SourceSystemID: "shadow-ai-001",
			TargetEntityID: "datastore:prod-db",
			IdentityID:     "service:chatgpt-integration",
		}
	}

	t.Run("valid event", func(t *testing.T) {
		event := validEvent()
		if err := validator.Validate(event); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("missing event id", func(t *testing.T) {
		event := validEvent()
		event.EventID = ""
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for missing event_id")
		}
	})

	t.Run("whitespace event id", func(t *testing.T) {
		event := validEvent()
		event.EventID = "   "
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for whitespace event_id")
		}
	})

	t.Run("unknown event type", func(t *testing.T) {
		event := validEvent()
		event.EventType = EventType("BOGUS")
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for unknown event type")
		}
	})

	t.Run("missing source system", func(t *testing.T) {
		event := validEvent()
		event.SourceSystemID = ""
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for missing source_system_id")
		}
	})

	t.Run("timestamp too old", func(t *testing.T) {
		event := validEvent()
		event.Timestamp = now.Add(-30 * 24 * time.Hour)
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for expired timestamp")
		}
	})

	t.Run("timestamp in future", func(t *testing.T) {
		event := validEvent()
		event.Timestamp = now.Add(time.Hour)
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for future timestamp")
		}
	})

	t.Run("unknown sensitivity tag", func(t *testing.T) {
		event := validEvent()
		event.SensitivityTags = []SensitivityTag{TagFinancial, SensitivityTag("made_up")}
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for unknown sensitivity tag")
		}
	})

	t.Run("unknown exposure direction", func(t *testing.T) {
		event := validEvent()
		event.ExposureDirection = ExposureDirection("sideways")
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for unknown exposure direction")
		}
	})

	t.Run("invalid privilege level", func(t *testing.T) {
		event := validEvent()
		event.PrivilegeLevel = "root"
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for unknown privilege level")
		}
	})
}
