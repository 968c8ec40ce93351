package ingest

import (
	"strings"
	"time"

	"riskgraph/internal/schema"
)

// Finding is an inbound detection-platform finding delivered via webhook.
type Finding struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	CloudAccountID string         `json:"cloud_account_id,omitempty"`
	FindingType    string         `json:"finding_type"`
	Severity       string         `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	ResourceARN    string         `json:"resource_arn,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	Region         string         `json:"region,omitempty"`
	RiskScore      float64        `json:"risk_score,omitempty"`
	AIProvider     string         `json:"ai_provider,omitempty"`
	AIService      string         `json:"ai_service,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	RiskFactors    map[string]any `json:"risk_factors,omitempty"`
	Status         string         `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// findingTypeToEventType maps upstream finding types onto our event taxonomy.
var findingTypeToEventType = map[string]schema.EventType{
	"ai_api_usage":            schema.EventAIDataAccess,
	"shadow_ai_tool":          schema.EventAIToolDiscovery,
	"shadow_ai_deployment":    schema.EventAIToolDiscovery,
	"sensitive_data_exposure": schema.EventDataExport,
	"privilege_risk":          schema.EventPrivilegeEscalation,
	"policy_violation":        schema.EventSystemAccess,
}

// eventTypeToFindingType is the reverse mapping, used when pushing risk
// summaries back to the detection platform.
var eventTypeToFindingType = map[schema.EventType]string{
	schema.EventAIDataAccess:        "ai_api_usage",
	schema.EventAIToolDiscovery:     "shadow_ai_tool",
	schema.EventAIPromptSensitivity: "ai_api_usage",
	schema.EventAIModelTraining:     "ai_api_usage",
	schema.EventDataExport:          "sensitive_data_exposure",
	schema.EventDataMovement:        "sensitive_data_exposure",
	schema.EventDataAggregation:     "sensitive_data_exposure",
	schema.EventPrivilegeEscalation: "privilege_risk",
	schema.EventSystemAccess:        "ai_api_usage",
	schema.EventSystemAuthFailure:   "privilege_risk",
}

// FindingToEvent converts a webhook finding into a canonical security event
// ready for the ingestion pipeline.
func FindingToEvent(f Finding) schema.SecurityEvent {
	eventType, ok := findingTypeToEventType[f.FindingType]
	if !ok {
		eventType = schema.EventSystemAccess
	}

	account := f.CloudAccountID
	if account == "" {
		account = f.TenantID
	}
	if account == "" {
		account = "unknown"
	}

	targetID := f.ResourceARN
	if targetID == "" {
		targetID = f.ID
	}

	ts := f.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ev := schema.SecurityEvent{
		EventID:           f.ID,
		EventType:         eventType,
		Timestamp:         ts,
		SourceSystemID:    "webhook-" + account,
		TargetEntityID:    targetID,
		ExposureDirection: exposureDirectionFor(f.FindingType),
		SensitivityTags:   sensitivityTagsFor(f),
		SchemaVersion:     schema.SchemaVersionCurrent,
		ReceivedAt:        time.Now().UTC(),
		Metadata: map[string]any{
			"finding_id":    f.ID,
			"finding_type":  f.FindingType,
			"severity":      normalizeSeverity(f.Severity),
			"risk_score":    f.RiskScore,
			"resource_arn":  f.ResourceARN,
			"resource_type": f.ResourceType,
			"region":        f.Region,
			"title":         f.Title,
			"description":   f.Description,
			"status":        statusOrOpen(f.Status),
		},
	}

	if f.AIProvider != "" {
		ev.IdentityID = f.AIService
		if ev.IdentityID == "" {
			ev.IdentityID = f.AIProvider
		}
		ev.Metadata["vendor"] = f.AIProvider
		ev.Metadata["tool_name"] = f.AIService
	}

	return ev
}

// FindingTypeFor reports the upstream finding type for one of our event
// types.
func FindingTypeFor(t schema.EventType) string {
	if ft, ok := eventTypeToFindingType[t]; ok {
		return ft
	}
	return "ai_api_usage"
}

func exposureDirectionFor(findingType string) schema.ExposureDirection {
	switch findingType {
	case "ai_api_usage", "shadow_ai_tool", "shadow_ai_deployment":
		return schema.DirectionInternalToAI
	case "sensitive_data_exposure":
		return schema.DirectionInternalToExternal
	default:
		return schema.DirectionInternalToInternal
	}
}

func sensitivityTagsFor(f Finding) []schema.SensitivityTag {
	var tags []schema.SensitivityTag

	has := func(keys ...string) bool {
		for _, k := range keys {
			if b, ok := f.Evidence[k].(bool); ok && b {
				return true
			}
		}
		return false
	}

	if has("has_pii", "pii_detected") {
		tags = append(tags, schema.TagIdentity)
	}
	if has("has_financial", "financial_data") {
		tags = append(tags, schema.TagFinancial)
	}
	if has("has_credentials", "credentials_detected") {
		tags = append(tags, schema.TagCredentials)
	}
	if has("has_phi", "health_data") {
		tags = append(tags, schema.TagHealth)
	}
	if sens, ok := f.RiskFactors["data_sensitivity"].(float64); ok && sens > 0.7 {
		tags = append(tags, schema.TagRegulated)
	}

	return tags
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(s) {
	case "low", "medium", "high", "critical":
		return strings.ToLower(s)
	default:
		return "medium"
	}
}

func statusOrOpen(s string) string {
	if s == "" {
		return "open"
	}
	return s
}
