package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
)

// MessageOptions holds flags for the dispatch and query commands.
type MessageOptions struct {
	*RootOptions
	Meta string // metadata JSON object
}

// DispatchResult is the output of dispatch.
type DispatchResult struct {
	Message string            `json:"message"`
	Events  []DispatchedEvent `json:"events"`
}

// DispatchedEvent is one event committed by a dispatched command.
type DispatchedEvent struct {
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	AggregateID string         `json:"aggregateId,omitempty"`
	Version     int64          `json:"version,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// QueryResult is the output of query.
type QueryResult struct {
	Query  string `json:"query"`
	Result any    `json:"result"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessageOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "dispatch <program-dir> <name> [payload-json]",
		Short: "Dispatch a command or event",
		Long: `Dispatch a command or event to the program and print the committed events.

In inline mode the commands triggered by policies run before dispatch returns.

Examples:
  rulebox dispatch ./fleet AddCarToFleet '{"vehicleId":"v1","brand":"BMW","model":"1er"}'
  rulebox dispatch ./fleet CompleteCar '{"vehicleId":"v1","productionYear":2019}' --meta '{"userId":"u1"}'`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessage(opts, cmd, args, false)
		},
	}
	cmd.Flags().StringVar(&opts.Meta, "meta", "", "metadata JSON object")
	return cmd
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessageOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "query <program-dir> <name> [payload-json]",
		Short: "Resolve a query",
		Long: `Resolve a query against the read models and print the result.

Example:
  rulebox query ./fleet fleetByBrand '{"brand":"BMW"}'`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessage(opts, cmd, args, true)
		},
	}
	cmd.Flags().StringVar(&opts.Meta, "meta", "", "metadata JSON object")
	return cmd
}

func runMessage(opts *MessageOptions, cmd *cobra.Command, args []string, query bool) error {
	formatter := opts.formatter(cmd)
	dir, name := args[0], args[1]

	payload, err := decodeObject("payload", args[2:]...)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid payload", err)
	}
	meta, err := decodeObject("meta", opts.Meta)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid metadata", err)
	}

	ctx := contextOrBackground(cmd.Context())
	a, err := opts.openApp(ctx, cmd, formatter, dir, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	box := a.Engine.Box()
	switch {
	case query && !box.IsQuery(name):
		return formatter.Fail(ExitFailure, "query failed", errs.Validation("%s is not a query", name))
	case !query && box.IsQuery(name):
		return formatter.Fail(ExitFailure, "dispatch failed",
			errs.Validation("%s is a query, use rulebox query", name))
	}

	res, err := a.Dispatch(ctx, name, payload, meta)
	if query {
		if err != nil {
			return formatter.Fail(ExitFailure, "query failed", err)
		}
		return outputQuery(formatter, name, res)
	}

	events, _ := res.([]message.Event)
	if err != nil && !errors.Is(err, app.ErrTriggered) {
		return formatter.Fail(ExitFailure, "dispatch failed", err)
	}
	if err != nil {
		// The dispatched command committed; report what it recorded along
		// with the failure of its triggered commands.
		formatter.VerboseLog("%s committed %d event(s) before triggered commands failed", name, len(events))
		return formatter.Fail(ExitFailure, "triggered commands failed", err)
	}
	return outputDispatch(formatter, name, events)
}

func decodeObject(what string, raw ...string) (map[string]any, error) {
	if len(raw) == 0 || strings.TrimSpace(raw[0]) == "" {
		return map[string]any{}, nil
	}
	m, err := canon.DecodeMap([]byte(raw[0]))
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "%s must be a JSON object", what)
	}
	return m, nil
}

func outputDispatch(formatter *OutputFormatter, name string, events []message.Event) error {
	result := DispatchResult{Message: name, Events: make([]DispatchedEvent, 0, len(events))}
	var text strings.Builder
	fmt.Fprintf(&text, "✓ %s: %d event(s)", name, len(events))
	for _, ev := range events {
		version, _ := canon.AsInt(ev.Meta[message.MetaAggregateVersion])
		de := DispatchedEvent{
			UUID:        ev.UUID,
			Name:        ev.Name,
			AggregateID: ev.MetaString(message.MetaAggregateID),
			Version:     version,
			Payload:     ev.Payload,
		}
		result.Events = append(result.Events, de)
		fmt.Fprintf(&text, "\n  %s %s v%d %s", de.Name, de.AggregateID, de.Version, canon.MustMarshal(de.Payload))
	}
	return formatter.Success(result, text.String())
}

func outputQuery(formatter *OutputFormatter, name string, res any) error {
	normalized, err := canon.Normalize(res)
	if err != nil {
		return formatter.Fail(ExitFailure, "query failed", err)
	}
	data, err := canon.Marshal(normalized)
	if err != nil {
		return formatter.Fail(ExitFailure, "query failed", err)
	}
	return formatter.Success(QueryResult{Query: name, Result: normalized}, string(data))
}
