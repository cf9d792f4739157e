// Package compiler loads rule programs written in CUE.
//
// A program directory is one CUE package with up to five top-level structs:
//
//	information: Fleet: {collection: "fleet", indexes: byBrand: fields: ["brand"]}
//
//	aggregates: Car: {
//		identifier:      "vehicleId"
//		stateCollection: "cars"
//		commands: AddCarToFleet: {
//			newAggregate: true
//			schema: {vehicleId: string, brand: string, model: string, productionYear?: int}
//			handler: [{recordEvent: {event: "CarAdded", mapping: "command"}}]
//		}
//		events: CarAdded: {public: true, schema: {...}}
//	}
//
//	queries: getCar: {schema: {vehicleId: string}, resolver: [...]}
//	policies: notify: {on: "CarAdded", rules: [...]}
//	projections: fleet: {on: ["CarAdded"], rules: [...]}
//
// Rules are the JSON form decoded by the rules package. CUE keywords used as
// rule names must be quoted ("if", "for"). Schemas stay CUE values and are
// registered in a schema.Registry under message.SchemaName; a message
// without a schema accepts any payload.
package compiler

import (
	"cuelang.org/go/cue/token"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/rules"
)

// Program is a compiled program directory.
type Program struct {
	Information []Information `json:"information"`
	Aggregates  []Aggregate   `json:"aggregates"`
	Queries     []Query       `json:"queries"`
	Policies    []Policy      `json:"policies"`
	Projections []Policy      `json:"projections"`
	// Warnings are problems that do not stop the program from running.
	Warnings []CycleWarning `json:"warnings,omitempty"`
}

// Information binds an information name to a document collection.
type Information struct {
	Name       string             `json:"name"`
	Collection string             `json:"collection"`
	Indexes    []filter.IndexSpec `json:"indexes,omitempty"`
	Pos        token.Pos          `json:"-"`
}

// Aggregate describes one aggregate type.
type Aggregate struct {
	Type            string    `json:"type"`
	Identifier      string    `json:"identifier"`
	Stream          string    `json:"stream,omitempty"`
	StateCollection string    `json:"stateCollection,omitempty"`
	Commands        []Command `json:"commands"`
	Events          []Event   `json:"events"`
	Pos             token.Pos `json:"-"`
}

// Command is a command owned by an aggregate.
type Command struct {
	Name         string        `json:"name"`
	NewAggregate bool          `json:"newAggregate,omitempty"`
	Handler      rules.Program `json:"-"`
	Pos          token.Pos     `json:"-"`
}

// Event is an event emitted by an aggregate. A nil Reducer folds with the
// default merge reducer.
type Event struct {
	Name    string        `json:"name"`
	Public  bool          `json:"public,omitempty"`
	Reducer rules.Program `json:"-"`
	Pos     token.Pos     `json:"-"`
}

// Query is a rule-resolved query.
type Query struct {
	Name     string        `json:"name"`
	Resolver rules.Program `json:"-"`
	Pos      token.Pos     `json:"-"`
}

// Policy reacts to events. Projections share the shape.
type Policy struct {
	Name  string        `json:"name"`
	On    []string      `json:"on"`
	Rules rules.Program `json:"-"`
	Pos   token.Pos     `json:"-"`
}

// Commands returns every command name with its aggregate type.
func (p *Program) Commands() map[string]string {
	out := map[string]string{}
	for _, a := range p.Aggregates {
		for _, c := range a.Commands {
			out[c.Name] = a.Type
		}
	}
	return out
}

// Events returns every event name with its aggregate type.
func (p *Program) Events() map[string]string {
	out := map[string]string{}
	for _, a := range p.Aggregates {
		for _, e := range a.Events {
			out[e.Name] = a.Type
		}
	}
	return out
}

// Summary counts the parts of a program.
type Summary struct {
	Information int `json:"information"`
	Aggregates  int `json:"aggregates"`
	Commands    int `json:"commands"`
	Events      int `json:"events"`
	Queries     int `json:"queries"`
	Policies    int `json:"policies"`
	Projections int `json:"projections"`
	Warnings    int `json:"warnings"`
}

// Summary returns the part counts.
func (p *Program) Summary() Summary {
	s := Summary{
		Information: len(p.Information),
		Aggregates:  len(p.Aggregates),
		Queries:     len(p.Queries),
		Policies:    len(p.Policies),
		Projections: len(p.Projections),
		Warnings:    len(p.Warnings),
	}
	for _, a := range p.Aggregates {
		s.Commands += len(a.Commands)
		s.Events += len(a.Events)
	}
	return s
}
