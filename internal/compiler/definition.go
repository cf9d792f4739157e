package compiler

import (
	"github.com/roach88/rulebox/internal/aggregate"
	"github.com/roach88/rulebox/internal/rules"
)

// Definition builds the runtime definition of a, interpreting handlers and
// reducers with in.
func (a Aggregate) Definition(in *rules.Interpreter) aggregate.Definition {
	def := aggregate.Definition{
		Type:            a.Type,
		Identifier:      a.Identifier,
		Stream:          a.Stream,
		StateCollection: a.StateCollection,
		Commands:        make(map[string]aggregate.CommandSpec, len(a.Commands)),
		Reducers:        map[string]aggregate.Reducer{},
		Public:          map[string]bool{},
	}
	for _, c := range a.Commands {
		def.Commands[c.Name] = aggregate.CommandSpec{
			Handler:      aggregate.RuleHandler(in, c.Handler),
			NewAggregate: c.NewAggregate,
		}
	}
	for _, e := range a.Events {
		if len(e.Reducer) > 0 {
			def.Reducers[e.Name] = aggregate.RuleReducer(in, e.Reducer)
		}
		def.Public[e.Name] = e.Public
	}
	return def
}
