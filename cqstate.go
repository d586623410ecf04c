package cqcorex

// CqState is the lifecycle state of a continuous query. Closed is terminal.
type CqState uint32

const (
	CqStateStopped CqState = iota
	CqStateRunning
	CqStateClosing
	CqStateClosed
)

func (s CqState) String() string {
	switch s {
	case CqStateStopped:
		return "STOPPED"
	case CqStateRunning:
		return "RUNNING"
	case CqStateClosing:
		return "CLOSING"
	case CqStateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
