// Package rules implements rule programs: a sealed AST, its decoder, a
// per-kind validator and the interpreter.
//
// Programs are data. The compiler loads them from CUE and Decode turns the
// resulting values into a Program. Every string inside a mapping is an
// expression evaluated by an expr.Evaluator against the current context:
//
//	{"recordEvent": {
//	    "event":   "CarAdded",
//	    "mapping": {"vehicleId": "command.vehicleId", "brand": "'BMW'"},
//	}}
//
// The same AST serves command handlers, reducers, query resolvers, policies
// and projections. Validate rejects the variants a kind may not use before a
// program is registered; the interpreter itself does not re-check.
//
// Side effects are staged. Recorded events are returned in Result.Events and
// information writes go to the Session bound in the Dependencies, so nothing
// is persisted until the caller commits.
package rules
