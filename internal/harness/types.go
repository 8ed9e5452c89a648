package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Action string `json:"action"`
	Device string `json:"device"`
	// Detail summarizes what the step did, e.g. "tick=3" or "deltas=2".
	Detail string `json:"detail,omitempty"`
	// Error is the error code the step failed with.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final state of every device.
	State Snapshot `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

// Snapshot is the replication state of every device, with device and
// object identifiers replaced by their scenario names.
type Snapshot struct {
	Scenario string        `json:"scenario"`
	Devices  []DeviceState `json:"devices"`
}

// DeviceState is the state of one device.
type DeviceState struct {
	Name   string       `json:"name"`
	Epoch  uint64       `json:"epoch"`
	Stores []StoreState `json:"stores"`
}

// StoreState is the state of one store on one device.
type StoreState struct {
	Name               string            `json:"name"`
	Knowledge          map[string]uint64 `json:"knowledge,omitempty"`
	ImmigrantKnowledge map[string]uint64 `json:"immigrant_knowledge,omitempty"`
	Queued             int64             `json:"queued"`
	Components         []ComponentState  `json:"components,omitempty"`
}

// ComponentState is the version state of one component.
type ComponentState struct {
	Object    string            `json:"object"`
	Component string            `json:"component"`
	Master    map[string]uint64 `json:"master,omitempty"`
	KML       map[string]uint64 `json:"kml,omitempty"`
	MaxTick   map[string]uint64 `json:"max_tick,omitempty"`
}
