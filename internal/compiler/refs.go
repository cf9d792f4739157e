package compiler

import (
	"context"

	"github.com/roach88/rulebox/internal/rules"
)

// refs are the names a rule program mentions statically.
type refs struct {
	events      []string
	commands    []string
	information []string
	services    []string
}

// collectRefs walks p and every nested program.
func collectRefs(p rules.Program) refs {
	c := &refCollector{}
	c.program(context.Background(), p)
	return c.refs
}

type refCollector struct {
	refs
}

func (c *refCollector) program(ctx context.Context, p rules.Program) {
	for _, r := range p {
		_ = r.Accept(ctx, c)
	}
}

func (c *refCollector) VisitIf(ctx context.Context, r rules.If) error {
	c.program(ctx, r.Then)
	c.program(ctx, r.Else)
	return nil
}

func (c *refCollector) VisitExecuteRules(ctx context.Context, r rules.ExecuteRules) error {
	c.program(ctx, r.Rules)
	return nil
}

func (c *refCollector) VisitForEach(ctx context.Context, r rules.ForEach) error {
	c.program(ctx, r.Then)
	return nil
}

func (c *refCollector) VisitAssignVariable(context.Context, rules.AssignVariable) error { return nil }

func (c *refCollector) VisitRecordEvent(_ context.Context, r rules.RecordEvent) error {
	c.events = append(c.events, r.Event)
	return nil
}

func (c *refCollector) VisitFindInformation(_ context.Context, r rules.FindInformation) error {
	c.information = append(c.information, r.Information)
	return nil
}

func (c *refCollector) VisitFindInformationByID(_ context.Context, r rules.FindInformationByID) error {
	c.information = append(c.information, r.Information)
	return nil
}

func (c *refCollector) VisitCountInformation(_ context.Context, r rules.CountInformation) error {
	c.information = append(c.information, r.Information)
	return nil
}

func (c *refCollector) VisitWriteInformation(_ context.Context, r rules.WriteInformation) error {
	c.information = append(c.information, r.Information)
	return nil
}

func (c *refCollector) VisitCallService(_ context.Context, r rules.CallService) error {
	c.services = append(c.services, r.Service)
	return nil
}

func (c *refCollector) VisitLookupUser(context.Context, rules.LookupUser) error   { return nil }
func (c *refCollector) VisitLookupUsers(context.Context, rules.LookupUsers) error { return nil }

func (c *refCollector) VisitTriggerCommand(_ context.Context, r rules.TriggerCommand) error {
	c.commands = append(c.commands, r.Command)
	return nil
}

func (c *refCollector) VisitThrowError(context.Context, rules.ThrowError) error { return nil }
func (c *refCollector) VisitLogMessage(context.Context, rules.LogMessage) error { return nil }
