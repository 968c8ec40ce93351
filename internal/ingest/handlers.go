package ingest

import (
	"fmt"
	"time"

	"riskgraph/internal/graph"
	"riskgraph/internal/schema"
)

// handlers maps each event type to its graph mutation. Every handler returns
// the ids of entities whose risk may have changed and therefore need a
// rescore.
type handlers struct {
	graph GraphWriter
}

func newHandlers(g GraphWriter) *handlers {
	return &handlers{graph: g}
}

func (h *handlers) apply(ev schema.SecurityEvent) ([]string, error) {
	switch ev.EventType {
	case schema.EventAIDataAccess:
		return h.aiDataAccess(ev)
	case schema.EventAIPromptSensitivity:
		return h.aiPromptSensitivity(ev)
	case schema.EventAIToolDiscovery:
		return h.aiToolDiscovery(ev)
	case schema.EventAIModelTraining:
		return h.aiModelTraining(ev)
	case schema.EventSystemAccess:
		return h.systemAccess(ev)
	case schema.EventSystemAuthFailure:
		return h.systemAuthFailure(ev)
	case schema.EventPrivilegeEscalation:
		return h.privilegeEscalation(ev)
	case schema.EventDataMovement:
		return h.dataMovement(ev)
	case schema.EventDataExport:
		return h.dataExport(ev)
	case schema.EventDataAggregation:
		return h.dataAggregation(ev)
	default:
		return nil, fmt.Errorf("no handler for event type %q", ev.EventType)
	}
}

// aiDataAccess links an AI tool to the data store it read from.
func (h *handlers) aiDataAccess(ev schema.SecurityEvent) ([]string, error) {
	var affected []string

	toolID := ev.IdentityID
	if toolID == "" {
		toolID = "ai-unknown-" + shortID(ev.EventID)
	}
	if _, err := h.graph.UpsertNode(toolID, graph.KindAITool, metaString(ev, "tool_name"), map[string]any{
		"vendor":     metaString(ev, "vendor"),
		"sanctioned": metaBool(ev, "sanctioned"),
	}); err != nil {
		return nil, err
	}
	affected = append(affected, toolID)

	if ev.TargetEntityID != "" {
		if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindDataStore, metaString(ev, "target_name"), map[string]any{
			"store_type": metaStringDefault(ev, "store_type", "database"),
		}); err != nil {
			return nil, err
		}
		if _, err := h.graph.UpsertEdge(toolID, graph.EdgeAccesses, ev.TargetEntityID,
			edgeWeight(ev), ev.DataVolumeEstimate, ev.Timestamp); err != nil {
			return nil, err
		}
		affected = append(affected, ev.TargetEntityID)
	}

	return affected, nil
}

// aiPromptSensitivity raises the sensitivity signal on the source system by
// recording the observed tags.
func (h *handlers) aiPromptSensitivity(ev schema.SecurityEvent) ([]string, error) {
	node, err := h.graph.GetNode(ev.SourceSystemID)
	if err != nil {
		if graph.IsNotFound(err) {
			node, err = h.graph.UpsertNode(ev.SourceSystemID, graph.KindService, "", nil)
		}
		if err != nil {
			return nil, err
		}
	}

	tags := mergeTags(node.Attrs, ev.SensitivityTags)
	if _, err := h.graph.UpsertNode(ev.SourceSystemID, node.Kind, "", map[string]any{
		"observed_sensitivity_tags": tags,
		"last_sensitive_prompt_at":  ev.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	return []string{ev.SourceSystemID}, nil
}

// aiToolDiscovery registers a newly seen, unsanctioned AI tool.
func (h *handlers) aiToolDiscovery(ev schema.SecurityEvent) ([]string, error) {
	toolID := ev.IdentityID
	if toolID == "" {
		toolID = "unsanctioned-" + shortID(ev.EventID)
	}
	if _, err := h.graph.UpsertNode(toolID, graph.KindAITool, metaString(ev, "tool_name"), map[string]any{
		"vendor":              metaString(ev, "vendor"),
		"sanctioned":          false,
		"sends_data_external": true,
		"discovered_at":       ev.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	return []string{toolID}, nil
}

// aiModelTraining records a training-data flow from a data store into an AI
// tool.
func (h *handlers) aiModelTraining(ev schema.SecurityEvent) ([]string, error) {
	if ev.TargetEntityID == "" {
		return nil, nil
	}

	if _, err := h.graph.UpsertNode(ev.SourceSystemID, graph.KindDataStore, "", nil); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindAITool, metaString(ev, "model_name"), map[string]any{
		"trains_on_internal_data": true,
	}); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertEdge(ev.SourceSystemID, graph.EdgeMovesDataTo, ev.TargetEntityID,
		edgeWeight(ev), ev.DataVolumeEstimate, ev.Timestamp); err != nil {
		return nil, err
	}

	return []string{ev.SourceSystemID, ev.TargetEntityID}, nil
}

// systemAccess records an identity touching a target entity.
func (h *handlers) systemAccess(ev schema.SecurityEvent) ([]string, error) {
	var affected []string

	if ev.IdentityID != "" {
		if _, err := h.graph.UpsertNode(ev.IdentityID, graph.KindIdentity, metaString(ev, "identity_name"), map[string]any{
			"identity_type":   metaStringDefault(ev, "identity_type", "user"),
			"privilege_level": ev.PrivilegeLevel,
		}); err != nil {
			return nil, err
		}
		affected = append(affected, ev.IdentityID)
	}

	if ev.IdentityID != "" && ev.TargetEntityID != "" {
		if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindService, "", nil); err != nil {
			return nil, err
		}
		if _, err := h.graph.UpsertEdge(ev.IdentityID, graph.EdgeAccesses, ev.TargetEntityID,
			edgeWeight(ev), 0, ev.Timestamp); err != nil {
			return nil, err
		}
		affected = append(affected, ev.TargetEntityID)
	}

	return affected, nil
}

// systemAuthFailure counts failed authentications against the identity. The
// counter goes through the store's atomic increment; a read-modify-write
// here would lose updates when two partitions carry events for the same
// identity.
func (h *handlers) systemAuthFailure(ev schema.SecurityEvent) ([]string, error) {
	if ev.IdentityID == "" {
		return nil, nil
	}

	if _, err := h.graph.UpsertNode(ev.IdentityID, graph.KindIdentity, "", map[string]any{
		"last_auth_failure_at": ev.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	if _, err := h.graph.IncrementCounter(ev.IdentityID, "auth_failures", 1); err != nil {
		return nil, err
	}

	affected := []string{ev.IdentityID}
	if ev.TargetEntityID != "" {
		affected = append(affected, ev.TargetEntityID)
	}
	return affected, nil
}

// privilegeEscalation stamps the new privilege level onto the target.
func (h *handlers) privilegeEscalation(ev schema.SecurityEvent) ([]string, error) {
	if ev.TargetEntityID == "" {
		return nil, nil
	}

	attrs := map[string]any{
		"last_escalation_at": ev.Timestamp.UTC().Format(time.RFC3339),
	}
	if ev.PrivilegeLevel != "" {
		attrs["privilege_level"] = ev.PrivilegeLevel
	}
	if ev.IdentityID != "" {
		attrs["last_escalated_by"] = ev.IdentityID
	}
	if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindService, "", attrs); err != nil {
		return nil, err
	}

	affected := []string{ev.TargetEntityID}
	if ev.IdentityID != "" {
		if _, err := h.graph.UpsertNode(ev.IdentityID, graph.KindIdentity, "", nil); err != nil {
			return nil, err
		}
		if _, err := h.graph.UpsertEdge(ev.IdentityID, graph.EdgeManages, ev.TargetEntityID,
			edgeWeight(ev), 0, ev.Timestamp); err != nil {
			return nil, err
		}
		affected = append(affected, ev.IdentityID)
	}
	return affected, nil
}

// dataMovement records a data flow between two entities.
func (h *handlers) dataMovement(ev schema.SecurityEvent) ([]string, error) {
	if ev.TargetEntityID == "" {
		return nil, nil
	}

	if _, err := h.graph.UpsertNode(ev.SourceSystemID, graph.KindService, "", nil); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindDataStore, "", nil); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertEdge(ev.SourceSystemID, graph.EdgeMovesDataTo, ev.TargetEntityID,
		edgeWeight(ev), ev.DataVolumeEstimate, ev.Timestamp); err != nil {
		return nil, err
	}

	return []string{ev.SourceSystemID, ev.TargetEntityID}, nil
}

// dataExport records data leaving the boundary.
func (h *handlers) dataExport(ev schema.SecurityEvent) ([]string, error) {
	targetID := ev.TargetEntityID
	if targetID == "" {
		targetID = "external:unknown"
	}

	if _, err := h.graph.UpsertNode(ev.SourceSystemID, graph.KindService, "", nil); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertNode(targetID, graph.KindExternal, "", map[string]any{
		"is_internal": false,
	}); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertEdge(ev.SourceSystemID, graph.EdgeExposes, targetID,
		edgeWeight(ev), ev.DataVolumeEstimate, ev.Timestamp); err != nil {
		return nil, err
	}

	return []string{ev.SourceSystemID}, nil
}

// dataAggregation marks the target as a data concentration point.
func (h *handlers) dataAggregation(ev schema.SecurityEvent) ([]string, error) {
	if ev.TargetEntityID == "" {
		return nil, nil
	}

	if _, err := h.graph.UpsertNode(ev.SourceSystemID, graph.KindService, "", nil); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertNode(ev.TargetEntityID, graph.KindDataStore, "", map[string]any{
		"aggregation_point": true,
	}); err != nil {
		return nil, err
	}
	if _, err := h.graph.UpsertEdge(ev.SourceSystemID, graph.EdgeMovesDataTo, ev.TargetEntityID,
		edgeWeight(ev), ev.DataVolumeEstimate, ev.Timestamp); err != nil {
		return nil, err
	}

	return []string{ev.SourceSystemID, ev.TargetEntityID}, nil
}

// edgeWeight derives relationship significance from event attributes,
// capped at 2.0.
func edgeWeight(ev schema.SecurityEvent) float64 {
	weight := 1.0

	if ev.PrivilegeLevel == "admin" || ev.PrivilegeLevel == "super_admin" {
		weight += 0.5
	}
	weight += float64(len(ev.SensitivityTags)) * 0.1

	switch {
	case ev.DataVolumeEstimate > 10_000_000:
		weight += 0.3
	case ev.DataVolumeEstimate > 1_000_000:
		weight += 0.15
	}

	if weight > 2.0 {
		weight = 2.0
	}
	return weight
}

func mergeTags(attrs map[string]any, tags []schema.SensitivityTag) []string {
	seen := map[string]bool{}
	var merged []string
	if existing, ok := attrs["observed_sensitivity_tags"].([]string); ok {
		for _, t := range existing {
			if !seen[t] {
				seen[t] = true
				merged = append(merged, t)
			}
		}
	}
	for _, t := range tags {
		if !seen[string(t)] {
			seen[string(t)] = true
			merged = append(merged, string(t))
		}
	}
	return merged
}

func metaString(ev schema.SecurityEvent, key string) string {
	s, _ := ev.Metadata[key].(string)
	return s
}

func metaStringDefault(ev schema.SecurityEvent, key, def string) string {
	if s := metaString(ev, key); s != "" {
		return s
	}
	return def
}

func metaBool(ev schema.SecurityEvent, key string) bool {
	b, _ := ev.Metadata[key].(bool)
	return b
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
