package autonomous

import "sync"

// PlaybookRegistry maps risk states to the playbook executed on escalation.
type PlaybookRegistry struct {
	mu      sync.RWMutex
	byState map[RiskState]*Playbook
	byName  map[string]*Playbook
}

// NewPlaybookRegistry returns an empty registry.
func NewPlaybookRegistry() *PlaybookRegistry {
	return &PlaybookRegistry{
		byState: make(map[RiskState]*Playbook),
		byName:  make(map[string]*Playbook),
	}
}

// Register binds pb to state, replacing any previous binding.
func (r *PlaybookRegistry) Register(state RiskState, pb *Playbook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byState[state] = pb
	r.byName[pb.Name] = pb
}

// ForState returns the playbook bound to state, or nil.
func (r *PlaybookRegistry) ForState(state RiskState) *Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byState[state]
}

// ByName returns a registered playbook by name, or nil.
func (r *PlaybookRegistry) ByName(name string) *Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// BuiltinPlaybooks returns the stock escalation ladder. Isolation always
// needs a human decision; the emergency run gets the expedited timeout from
// the execution context, not a different playbook shape.
func BuiltinPlaybooks() *PlaybookRegistry {
	r := NewPlaybookRegistry()

	r.Register(StateHigh, &Playbook{
		Name:        "contain-high-risk",
		Description: "Notify, restrict access, and schedule an audit review.",
		Actions: []ActionSpec{
			{Type: ActionNotify},
			{Type: ActionRestrictAccess},
			{Type: ActionAuditReview},
		},
	})

	r.Register(StateCritical, &Playbook{
		Name:        "isolate-critical-risk",
		Description: "Restrict immediately, isolate on approval, and open a ticket.",
		Actions: []ActionSpec{
			{Type: ActionNotify},
			{Type: ActionRestrictAccess},
			{Type: ActionIsolateEntity, RequiresApproval: true},
			{Type: ActionEscalateTicket},
		},
	})

	r.Register(StateEmergency, &Playbook{
		Name:        "emergency-containment",
		Description: "Isolate under expedited approval and escalate.",
		Actions: []ActionSpec{
			{Type: ActionNotify},
			{Type: ActionIsolateEntity, RequiresApproval: true},
			{Type: ActionEscalateTicket},
		},
	})

	return r
}
