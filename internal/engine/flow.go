package engine

import (
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/message"
)

// Correlation metadata flows unchanged from the inbound command through every
// event and every policy-triggered command, so one correlationId names a
// whole cascade.

// ensureCorrelation returns meta with a correlationId, generating one when
// absent. meta is not modified.
func ensureCorrelation(meta map[string]any, ids message.IDGenerator) map[string]any {
	out := canon.CloneMap(meta)
	if out == nil {
		out = map[string]any{}
	}
	if s, _ := out[message.MetaCorrelationID].(string); s == "" {
		out[message.MetaCorrelationID] = ids.Generate()
	}
	return out
}

// causedBy returns meta for a command triggered while handling ev: the
// correlation and user are inherited and the causation points at ev. Keys
// already present in meta win.
func causedBy(ev message.Event, meta map[string]any) map[string]any {
	out := map[string]any{
		message.MetaCausationID:   ev.UUID,
		message.MetaCausationName: ev.Name,
	}
	if c := ev.MetaString(message.MetaCorrelationID); c != "" {
		out[message.MetaCorrelationID] = c
	}
	if u := ev.MetaString(message.MetaUserID); u != "" {
		out[message.MetaUserID] = u
	}
	for k, v := range meta {
		out[k] = canon.Clone(v)
	}
	return out
}

func correlationOf(meta map[string]any) string {
	s, _ := meta[message.MetaCorrelationID].(string)
	return s
}
