// Package schema defines the canonical security event consumed by the
// ingestion layer. All sensors and inbound integrations normalize their
// payloads to this structure before processing.
package schema

import (
	"time"
)

// SecurityEvent is the canonical event format.
// Events are immutable once produced; event_id is the deduplication key.
type SecurityEvent struct {
	// Required fields
	EventID        string    `json:"event_id" validate:"required"`
	EventType      EventType `json:"event_type" validate:"required,event_type"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	SourceSystemID string    `json:"source_system_id" validate:"required,max=256"`

	// Optional fields
	TargetEntityID     string            `json:"target_entity_id,omitempty" validate:"max=256"`
	IdentityID         string            `json:"identity_id,omitempty" validate:"max=256"`
	SensitivityTags    []SensitivityTag  `json:"sensitivity_tags,omitempty"`
	ExposureDirection  ExposureDirection `json:"exposure_direction,omitempty"`
	DataVolumeEstimate int64             `json:"data_volume_estimate,omitempty" validate:"min=0"`
	PrivilegeLevel     string            `json:"privilege_level,omitempty" validate:"omitempty,oneof=read write standard admin super_admin"`
	Metadata           map[string]any    `json:"metadata,omitempty"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// EventType classifies a security event. The set is closed: events with an
// unrecognized type are rejected at ingestion.
type EventType string

const (
	EventAIDataAccess        EventType = "AI_DATA_ACCESS"
	EventAIPromptSensitivity EventType = "AI_PROMPT_SENSITIVITY"
	EventAIToolDiscovery     EventType = "AI_TOOL_DISCOVERY"
	EventAIModelTraining     EventType = "AI_MODEL_TRAINING"
	EventSystemAccess        EventType = "SYSTEM_ACCESS"
	EventSystemAuthFailure   EventType = "SYSTEM_AUTH_FAILURE"
	EventPrivilegeEscalation EventType = "PRIVILEGE_ESCALATION"
	EventDataMovement        EventType = "DATA_MOVEMENT"
	EventDataExport          EventType = "DATA_EXPORT"
	EventDataAggregation     EventType = "DATA_AGGREGATION"
)

// IsValid checks if the event type is a valid value.
func (t EventType) IsValid() bool {
	switch t {
	case EventAIDataAccess, EventAIPromptSensitivity, EventAIToolDiscovery,
		EventAIModelTraining, EventSystemAccess, EventSystemAuthFailure,
		EventPrivilegeEscalation, EventDataMovement, EventDataExport,
		EventDataAggregation:
		return true
	}
	return false
}

// SensitivityTag is a likelihood-based hint about the data classes an event
// touched, emitted by sensors.
type SensitivityTag string

const (
	TagFinancial            SensitivityTag = "financial_related"
	TagHealth               SensitivityTag = "health_related"
	TagIdentity             SensitivityTag = "identity_related"
	TagIntellectualProperty SensitivityTag = "intellectual_property"
	TagCredentials          SensitivityTag = "credentials_related"
	TagRegulated            SensitivityTag = "regulated_data"
)

// IsValid checks if the sensitivity tag is a valid value.
func (t SensitivityTag) IsValid() bool {
	switch t {
	case TagFinancial, TagHealth, TagIdentity, TagIntellectualProperty,
		TagCredentials, TagRegulated:
		return true
	}
	return false
}

// ExposureDirection describes which way data or access flowed.
type ExposureDirection string

const (
	DirectionInternalToExternal ExposureDirection = "internal_to_external"
	DirectionInternalToAI       ExposureDirection = "internal_to_ai"
	DirectionAIToInternal       ExposureDirection = "ai_to_internal"
	DirectionExternalToInternal ExposureDirection = "external_to_internal"
	DirectionInternalToInternal ExposureDirection = "internal_to_internal"
)

// IsValid checks if the exposure direction is a valid value.
func (d ExposureDirection) IsValid() bool {
	switch d {
	case DirectionInternalToExternal, DirectionInternalToAI,
		DirectionAIToInternal, DirectionExternalToInternal,
		DirectionInternalToInternal:
		return true
	}
	return false
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
