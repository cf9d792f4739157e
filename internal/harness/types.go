package harness

import (
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/message"
)

// Trace entry types.
const (
	TraceGiven     = "given"
	TraceDispatch  = "dispatch"
	TraceOutcome   = "outcome"
	TraceCommitted = "event"
)

// Outcomes of a traced dispatch.
const (
	OutcomeOK              = "ok"
	OutcomeError           = "error"
	OutcomeTriggeredFailed = "triggered_failed"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`

	// Outcome entries.
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`

	// Event entries.
	Stream      string `json:"stream,omitempty"`
	AggregateID string `json:"aggregate_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
	Command     string `json:"command,omitempty"`

	Seq int64 `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists dispatches, outcomes and committed events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddDispatchTrace records a message sent to the box. kind is TraceGiven or
// TraceDispatch.
func (r *Result) AddDispatchTrace(kind, name string, payload map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Type: kind, Name: name, Payload: payload, Seq: seq})
}

// AddOutcomeTrace records how a dispatch ended.
func (r *Result) AddOutcomeTrace(name, outcome, code string, result any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    TraceOutcome,
		Name:    name,
		Outcome: outcome,
		Error:   code,
		Result:  result,
		Seq:     seq,
	})
}

// AddEventTrace records a committed event of stream.
func (r *Result) AddEventTrace(stream string, ev message.Event, seq int64) {
	version, _ := canon.AsInt(ev.Meta[message.MetaAggregateVersion])
	r.Trace = append(r.Trace, TraceEvent{
		Type:        TraceCommitted,
		Name:        ev.Name,
		Payload:     ev.Payload,
		Stream:      stream,
		AggregateID: ev.MetaString(message.MetaAggregateID),
		Version:     version,
		Command:     ev.MetaString(message.MetaCommandName),
		Seq:         seq,
	})
}

// Events returns the event entries of the trace.
func (r *Result) Events() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == TraceCommitted {
			out = append(out, e)
		}
	}
	return out
}
