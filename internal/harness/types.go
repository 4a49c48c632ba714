package harness

// Trace event kinds.
const (
	KindStep         = "step"
	KindDelivery     = "delivery"
	KindSessionStart = "session_start"
	KindSessionEnd   = "session_end"
)

// TraceEvent is one observable thing that happened during a run.
type TraceEvent struct {
	// At is the simulated time in milliseconds since the run started.
	At      int64  `json:"at"`
	Tab     string `json:"tab,omitempty"`
	Kind    string `json:"kind"`
	Session string `json:"session,omitempty"`
	// Detail is the step name, the delivered event types, or the end reason.
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps, deliveries and lifecycle notifications in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Sessions maps every tab still open to its session id.
	Sessions map[string]string `json:"sessions,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Sessions: make(map[string]string),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
