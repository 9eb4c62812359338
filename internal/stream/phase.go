package stream

// Phase is the lifecycle position of the current request.
type Phase int

const (
	Idle Phase = iota
	AwaitingFirstChunk
	Streaming
	Stopping
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingFirstChunk:
		return "awaiting_first_chunk"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	case Done:
		return "done"
	}
	return "unknown"
}

// Ready reports whether a new request may begin.
func (p Phase) Ready() bool {
	return p == Idle || p == Done
}

// Stoppable reports whether Stop has an effect.
func (p Phase) Stoppable() bool {
	return p == AwaitingFirstChunk || p == Streaming
}

// OutcomeKind says how a request ended.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Errored
	Stopped
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}
