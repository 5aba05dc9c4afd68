package device

// Phase is the runtime lifecycle phase.
type Phase int32

// Runtime phases, in order.
const (
	PhaseCreated Phase = iota
	PhaseConnecting
	PhaseAwaitingFirstConfig
	PhaseSteadyState
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingFirstConfig:
		return "awaiting_first_config"
	case PhaseSteadyState:
		return "steady_state"
	case PhaseShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
