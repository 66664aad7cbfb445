package engine

import (
	"sync"

	"github.com/jpelkonen/stepwise/pkg/api"
)

// workflowRegistry maps an event name to the ordered set of workflow
// definitions subscribed to it. Registration happens during process init;
// the registry freezes when dispatch begins, so the mapping is immutable
// while events are flowing.
type workflowRegistry struct {
	mu      sync.RWMutex
	byID    map[string]api.WorkflowDefinition
	byEvent map[string][]api.WorkflowDefinition
	frozen  bool
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byID:    make(map[string]api.WorkflowDefinition),
		byEvent: make(map[string][]api.WorkflowDefinition),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.ID == "" {
		return &api.RegistrationError{WorkflowID: def.ID, Reason: "workflow id is required"}
	}
	if def.Trigger == "" {
		return &api.RegistrationError{WorkflowID: def.ID, Reason: "trigger event name is required"}
	}
	if def.Body == nil {
		return &api.RegistrationError{WorkflowID: def.ID, Reason: "body is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &api.RegistrationError{WorkflowID: def.ID, Reason: "registry is frozen: dispatch has begun"}
	}
	if _, exists := r.byID[def.ID]; exists {
		return &api.RegistrationError{WorkflowID: def.ID, Reason: "already registered"}
	}

	r.byID[def.ID] = def
	r.byEvent[def.Trigger] = append(r.byEvent[def.Trigger], def)
	return nil
}

// Freeze makes the registry read-only. Idempotent.
func (r *workflowRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// ByEvent returns the definitions subscribed to an event name, in
// registration order. An unknown name yields an empty slice; "no
// subscriber" is not an error.
func (r *workflowRegistry) ByEvent(name string) []api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := r.byEvent[name]
	out := make([]api.WorkflowDefinition, len(defs))
	copy(out, defs)
	return out
}

func (r *workflowRegistry) ByID(id string) (api.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	return def, ok
}
