package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/schema"
)

func command(name string, events ...string) Command {
	c := Command{Name: name}
	for _, ev := range events {
		c.Handler = append(c.Handler, rules.RecordEvent{Event: ev, Mapping: "command"})
	}
	return c
}

func policy(name, on string, commands ...string) Policy {
	p := Policy{Name: name, On: []string{on}}
	for _, cmd := range commands {
		p.Rules = append(p.Rules, rules.TriggerCommand{Command: cmd})
	}
	return p
}

func TestAnalyzeCycles_NoPolicies(t *testing.T) {
	p := &Program{Aggregates: []Aggregate{{Type: "Cart", Commands: []Command{command("Checkout", "CheckedOut")}}}}
	assert.Empty(t, AnalyzeCycles(p))
}

func TestAnalyzeCycles_DAG(t *testing.T) {
	p := &Program{
		Aggregates: []Aggregate{{Type: "Shop", Commands: []Command{
			command("Reserve", "Reserved"),
			command("Charge", "Charged"),
		}}},
		Policies: []Policy{
			policy("reserveOnCheckout", "CheckedOut", "Reserve"),
			policy("chargeOnReserve", "Reserved", "Charge"),
		},
	}
	assert.Empty(t, AnalyzeCycles(p))
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	p := &Program{
		Aggregates: []Aggregate{{Type: "Counter", Commands: []Command{command("Bump", "Bumped")}}},
		Policies:   []Policy{policy("again", "Bumped", "Bump")},
	}
	warnings := AnalyzeCycles(p)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"again", "again"}, warnings[0].Path)
	assert.Equal(t, "policy again triggers itself", warnings[0].Message)
	assert.Equal(t, "warning", warnings[0].Level)
}

func TestAnalyzeCycles_TwoPolicyCycle(t *testing.T) {
	p := &Program{
		Aggregates: []Aggregate{{Type: "PingPong", Commands: []Command{
			command("Ping", "Pinged"),
			command("Pong", "Ponged"),
		}}},
		Policies: []Policy{
			policy("b", "Pinged", "Pong"),
			policy("a", "Ponged", "Ping"),
			policy("bystander", "Pinged"),
		},
	}
	warnings := AnalyzeCycles(p)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a", "b", "a"}, warnings[0].Path)
	assert.Equal(t, "policies form a cycle: a -> b -> a", warnings[0].Message)
}

func TestAnalyzeCycles_NestedTriggers(t *testing.T) {
	// Triggers inside conditionals still count.
	p := &Program{
		Aggregates: []Aggregate{{Type: "Counter", Commands: []Command{command("Bump", "Bumped")}}},
		Policies: []Policy{{
			Name:  "maybe",
			On:    []string{"Bumped"},
			Rules: rules.Program{rules.If{Condition: "event.n < 3", Then: rules.Program{rules.TriggerCommand{Command: "Bump"}}}},
		}},
	}
	require.Len(t, AnalyzeCycles(p), 1)
}

func TestAnalyzeCycles_Fleet(t *testing.T) {
	prog, err := Load(fleetDir, schema.NewRegistry())
	require.NoError(t, err)
	assert.Empty(t, prog.Warnings, "projections do not count as cycle participants")
}
