package streaming

// State is the lifecycle of one in-flight generation.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"

	// StateCompleting means the terminal application event has been observed
	// but the transport has not yet reported closure. Content received so
	// far is already final for display purposes.
	StateCompleting State = "completing"

	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the session has finished for good.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}
