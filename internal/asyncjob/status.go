package asyncjob

import (
	"encoding/json"
	"math"
)

// Wire values of the status endpoint.
const (
	WirePending  = "PENDING"
	WireReceived = "RECEIVED"
	WireStarted  = "STARTED"
	WireRetry    = "RETRY"
	WireProgress = "PROGRESS"
	WireSuccess  = "SUCCESS"
	WireFailure  = "FAILURE"
	WireRevoked  = "REVOKED"
)

// StatusKind tags a Status.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusReceived
	StatusStarted
	StatusRetrying
	StatusInProgress
	StatusSucceeded
	StatusFailed
	StatusCancelled
	StatusUnknown
)

var statusKindNames = map[StatusKind]string{
	StatusPending:    "pending",
	StatusReceived:   "received",
	StatusStarted:    "started",
	StatusRetrying:   "retrying",
	StatusInProgress: "in_progress",
	StatusSucceeded:  "succeeded",
	StatusFailed:     "failed",
	StatusCancelled:  "cancelled",
	StatusUnknown:    "unknown",
}

func (k StatusKind) String() string {
	if name, ok := statusKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions follow this kind.
func (k StatusKind) Terminal() bool {
	return k == StatusSucceeded || k == StatusFailed || k == StatusCancelled
}

// Progress is the payload of a PROGRESS status. The server does not guarantee
// Current <= Total.
type Progress struct {
	Current float64         `json:"current"`
	Total   float64         `json:"total"`
	Raw     json.RawMessage `json:"-"`
}

// Percent returns Current/Total as a rounded percentage. ok is false when
// either counter is missing or zero.
func (p Progress) Percent() (percent int, ok bool) {
	if p.Current <= 0 || p.Total <= 0 {
		return 0, false
	}
	return int(math.Round(100 * p.Current / p.Total)), true
}

// Status is one observation of a remote job.
type Status struct {
	Kind     StatusKind
	Wire     string
	Progress *Progress
}

func (s Status) String() string {
	if s.Wire != "" {
		return s.Wire
	}
	return s.Kind.String()
}

// ParseStatus maps a wire status and its optional result onto a Status.
func ParseStatus(wire string, result json.RawMessage) Status {
	st := Status{Wire: wire}
	switch wire {
	case WirePending:
		st.Kind = StatusPending
	case WireReceived:
		st.Kind = StatusReceived
	case WireStarted:
		st.Kind = StatusStarted
	case WireRetry:
		st.Kind = StatusRetrying
	case WireProgress:
		st.Kind = StatusInProgress
		st.Progress = parseProgress(result)
	case WireSuccess:
		st.Kind = StatusSucceeded
	case WireFailure:
		st.Kind = StatusFailed
	case WireRevoked:
		st.Kind = StatusCancelled
	default:
		st.Kind = StatusUnknown
	}
	return st
}

// parseProgress is lenient: a missing or odd result still yields a Progress
// carrying the raw value, with zero counters.
func parseProgress(result json.RawMessage) *Progress {
	p := &Progress{Raw: result}
	if len(result) == 0 {
		return p
	}
	var counters struct {
		Current *float64 `json:"current"`
		Total   *float64 `json:"total"`
	}
	if err := json.Unmarshal(result, &counters); err != nil {
		return p
	}
	if counters.Current != nil && *counters.Current > 0 {
		p.Current = *counters.Current
	}
	if counters.Total != nil && *counters.Total > 0 {
		p.Total = *counters.Total
	}
	return p
}
