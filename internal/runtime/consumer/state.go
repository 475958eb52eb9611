package consumer

// State is the phase of the consumer loop.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateProcessing
	StateResolving
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateResolving:
		return "resolving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
