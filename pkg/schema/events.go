package schema

// Event type constants for the per-instance audit log and the streaming hub.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventCancelRequested   = "cancel_requested"

	EventStepCompleted = "step_completed"
	EventStepWarning   = "step_warning"

	EventDuplicateDelivery = "event_duplicate"
	EventDuplicateDispatch = "dispatch_duplicate"
	EventGraphSaved        = "graph_saved"
)

// InstanceStatus represents the lifecycle state of an execution instance.
type InstanceStatus string

const (
	InstanceStatusRunning         InstanceStatus = "running"
	InstanceStatusWaitingForEvent InstanceStatus = "waiting_for_event"
	InstanceStatusCompleted       InstanceStatus = "completed"
	InstanceStatusFailed          InstanceStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// StepOutcome classifies what a recorded step did to the instance.
type StepOutcome string

const (
	StepOutcomeAdvanced  StepOutcome = "advanced"
	StepOutcomeSuspended StepOutcome = "suspended"
	StepOutcomeResumed   StepOutcome = "resumed"
	StepOutcomeCompleted StepOutcome = "completed"
	StepOutcomeFailed    StepOutcome = "failed"
)

// Warning is a non-fatal problem recorded against a step.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}
