package domain

// StateKind is the engine-relevant projection of a task status.
type StateKind int

const (
	StateUnblocked StateKind = iota
	StateBlocked
	StateCustom
)

func (k StateKind) String() string {
	switch k {
	case StateUnblocked:
		return "unblocked"
	case StateBlocked:
		return "blocked"
	case StateCustom:
		return "custom"
	}
	return "unknown"
}

// TaskState is the single internal representation of a task's status.
// The persistence adapter translates it into the legacy string and the
// dynamic status reference; nothing else branches on which field is set.
type TaskState struct {
	Kind StateKind
	// StatusID references a dynamic status. Optional for Blocked and Custom.
	StatusID *int64
	// Legacy is the label written for Custom states.
	Legacy string
}

func Unblocked() TaskState { return TaskState{Kind: StateUnblocked} }

// Blocked uses the given dynamic blocking status, or the legacy string when nil.
func Blocked(statusID *int64) TaskState {
	return TaskState{Kind: StateBlocked, StatusID: statusID}
}

// Custom is an externally chosen status.
func Custom(statusID *int64, legacy string) TaskState {
	return TaskState{Kind: StateCustom, StatusID: statusID, Legacy: legacy}
}

// Columns returns the legacy status string, dynamic status id and engine flag to persist.
func (s TaskState) Columns() (status string, statusID *int64, engineBlocked bool) {
	switch s.Kind {
	case StateBlocked:
		return StatusWaiting, s.StatusID, true
	case StateCustom:
		legacy := s.Legacy
		if legacy == "" {
			legacy = StatusPending
		}
		return legacy, s.StatusID, false
	default:
		return StatusPending, nil, false
	}
}
