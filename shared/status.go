package shared

// Status defines the lifecycle states of a tracked stock.
type Status int

const (
	Initialized Status = iota
	WaitingForOpen
	GapValidated
	Rejected
	Qualified
	Selected
	MonitoringEntry
	Entered
	Exited
	NotSelected
	Unsubscribed
)

// String stringifies the provided status.
func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case WaitingForOpen:
		return "waiting for open"
	case GapValidated:
		return "gap validated"
	case Rejected:
		return "rejected"
	case Qualified:
		return "qualified"
	case Selected:
		return "selected"
	case MonitoringEntry:
		return "monitoring entry"
	case Entered:
		return "entered"
	case Exited:
		return "exited"
	case NotSelected:
		return "not selected"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Terminal checks whether the provided status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case Rejected, Exited, NotSelected, Unsubscribed:
		return true
	default:
		return false
	}
}

// Streamable checks whether a stock with the provided status should be
// receiving market data.
func (s Status) Streamable() bool {
	switch s {
	case WaitingForOpen, GapValidated, Qualified, Selected, MonitoringEntry, Entered:
		return true
	default:
		return false
	}
}
