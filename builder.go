package stepwise

import (
	"fmt"

	"github.com/jpelkonen/stepwise/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	wf := stepwise.NewWorkflow("send-welcome-email").
//	    On("user/signup.completed").
//	    Body(func(rc stepwise.RunContext) (any, error) {
//	        content, err := rc.Step("prepare-email-content", prepareContent)
//	        if err != nil {
//	            return nil, err
//	        }
//	        return rc.Step("send-email", func(ctx context.Context) (any, error) {
//	            return sendEmail(ctx, content)
//	        })
//	    })
//
//	if err := wf.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
type WorkflowBuilder struct {
	def api.WorkflowDefinition
}

// NewWorkflow creates a new workflow builder with the given ID.
func NewWorkflow(id string) *WorkflowBuilder {
	return &WorkflowBuilder{
		def: api.WorkflowDefinition{ID: id},
	}
}

// ID returns the workflow ID.
func (b *WorkflowBuilder) ID() string {
	return b.def.ID
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *WorkflowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// On sets the event name that triggers this workflow.
func (b *WorkflowBuilder) On(eventName string) *WorkflowBuilder {
	b.def.Trigger = eventName
	return b
}

// Body sets the workflow body. The body is re-executed from the top on
// every entry into the run, so it must be deterministic outside of
// rc.Step and rc.Sleep calls.
func (b *WorkflowBuilder) Body(fn BodyFunc) *WorkflowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("stepwise: workflow %q has nil body", b.def.ID))
	}
	b.def.Body = fn
	return b
}

// WithRetry sets the default retry policy for steps in this workflow.
// Steps started with rc.StepWithRetry override it per call.
func (b *WorkflowBuilder) WithRetry(retry RetryPolicy) *WorkflowBuilder {
	// Copy so callers can mutate their RetryPolicy after the call
	// without affecting the stored definition.
	r := retry
	b.def.Retry = &r
	return b
}

// Register registers the built workflow with the given engine.
func (b *WorkflowBuilder) Register(eng Engine) error {
	return eng.Register(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
