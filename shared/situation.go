package shared

// Situation defines the gap setup a tracked stock is a candidate for.
type Situation int

const (
	// GapDownExpected and GapUpExpected are pre-open hints from the
	// watchlist. The open price decides the actual setup.
	GapDownExpected Situation = iota
	GapUpExpected
	// OOPS is a confirmed gap-down reversal setup.
	OOPS
	// StrongStart is a confirmed gap-up continuation setup.
	StrongStart
)

// String stringifies the provided situation.
func (s Situation) String() string {
	switch s {
	case GapDownExpected:
		return "gap down expected"
	case GapUpExpected:
		return "gap up expected"
	case OOPS:
		return "oops reversal"
	case StrongStart:
		return "strong start"
	default:
		return "unknown"
	}
}
