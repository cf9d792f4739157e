package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Committed events for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nCommitted events:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s/%s v%d %s\n", i+1, event.Stream, event.AggregateID, event.Version, event.Name)
		}
	}
	return buf.String()
}

// AssertionContext provides the running App to information assertions.
type AssertionContext struct {
	Ctx context.Context
	App *app.App
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	events := result.Events()

	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertEventRecorded:
			err = assertEventRecorded(events, assertion)
		case AssertEventOrder:
			err = assertEventOrder(events, assertion)
		case AssertEventCount:
			err = assertEventCount(events, assertion)
		case AssertInformation, AssertInformationCount:
			if actx == nil || actx.App == nil {
				err = fmt.Errorf("then[%d]: %s requires a running program", i, assertion.Type)
			} else if assertion.Type == AssertInformation {
				err = assertInformation(actx, assertion)
			} else {
				err = assertInformationCount(actx, assertion)
			}
		default:
			err = fmt.Errorf("then[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// assertEventRecorded checks that an event with the name and a payload
// containing assertion.Payload was committed.
func assertEventRecorded(events []TraceEvent, assertion Assertion) error {
	want, err := canon.NormalizeMap(assertion.Payload)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Name == assertion.Event && matchValue(event.Payload, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEventRecorded,
		Expected: fmt.Sprintf("event %s with payload %s", assertion.Event, describe(want)),
		Actual:   "not committed",
		Trace:    events,
	}
}

// assertEventOrder checks that the events were committed in the given
// order. Other events may occur in between.
func assertEventOrder(events []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range events {
		if next < len(assertion.Events) && event.Name == assertion.Events[next] {
			next++
		}
	}
	if next == len(assertion.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventOrder,
		Expected: fmt.Sprintf("events in order: %v", assertion.Events),
		Actual:   fmt.Sprintf("%s not committed after %v", assertion.Events[next], assertion.Events[:next]),
		Trace:    events,
	}
}

// assertEventCount checks that the event was committed exactly Count times.
func assertEventCount(events []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range events {
		if event.Name == assertion.Event {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    events,
		}
	}
	return nil
}

// assertInformation checks that one document, selected by id or by the
// where criteria, contains the expected fields.
func assertInformation(actx *AssertionContext, assertion Assertion) error {
	docs, collection, err := informationStore(actx, assertion.Information)
	if err != nil {
		return err
	}

	var doc storage.Document
	if assertion.ID != "" {
		doc, err = docs.GetDoc(actx.Ctx, collection, assertion.ID)
		if errs.IsNotFound(err) {
			return &AssertionError{
				Type:     AssertInformation,
				Expected: fmt.Sprintf("document %s in %s", assertion.ID, assertion.Information),
				Actual:   "document not found",
			}
		}
		if err != nil {
			return err
		}
	} else {
		f, err := whereFilter(assertion.Where)
		if err != nil {
			return err
		}
		found, err := docs.FindDocs(actx.Ctx, collection, f, storage.FindOptions{Limit: 2})
		if err != nil && !errs.IsNotFound(err) {
			return err
		}
		if len(found) != 1 {
			return &AssertionError{
				Type:     AssertInformation,
				Expected: fmt.Sprintf("exactly one document in %s where %s", assertion.Information, describe(assertion.Where)),
				Actual:   fmt.Sprintf("%d documents matched", len(found)),
			}
		}
		doc = found[0]
	}

	want, err := canon.NormalizeMap(assertion.Expect)
	if err != nil {
		return err
	}
	for _, key := range canon.SortedKeys(want) {
		got, ok := doc.Data[key]
		if !ok {
			return &AssertionError{
				Type:     AssertInformation,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("document %s has fields %v", doc.ID, canon.SortedKeys(doc.Data)),
			}
		}
		if !matchValue(got, want[key]) {
			return &AssertionError{
				Type:     AssertInformation,
				Expected: fmt.Sprintf("field %q = %s", key, describe(want[key])),
				Actual:   fmt.Sprintf("field %q = %s", key, describe(got)),
			}
		}
	}
	return nil
}

// assertInformationCount checks the number of documents matching where.
// An information nothing was written to counts zero.
func assertInformationCount(actx *AssertionContext, assertion Assertion) error {
	docs, collection, err := informationStore(actx, assertion.Information)
	if err != nil {
		return err
	}
	f, err := whereFilter(assertion.Where)
	if err != nil {
		return err
	}
	n, err := docs.CountDocs(actx.Ctx, collection, f)
	if errs.IsNotFound(err) {
		n, err = 0, nil
	}
	if err != nil {
		return err
	}
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertInformationCount,
			Expected: fmt.Sprintf("%d documents in %s", assertion.Count, assertion.Information),
			Actual:   fmt.Sprintf("%d documents", n),
		}
	}
	return nil
}

func informationStore(actx *AssertionContext, information string) (storage.DocumentStore, string, error) {
	collection, err := actx.App.Services.CollectionOf(information)
	if err != nil {
		return nil, "", err
	}
	return actx.App.Store.Documents(), collection, nil
}

func whereFilter(where map[string]any) (filter.Filter, error) {
	criteria, err := canon.NormalizeMap(where)
	if err != nil {
		return nil, err
	}
	return filter.FromCriteria(criteria)
}

// matchValue reports whether got contains want. Objects match as subsets,
// arrays element-wise and scalars by canonical equality.
func matchValue(got, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			gv, exists := g[k]
			if !exists || !matchValue(gv, wv) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !matchValue(g[i], w[i]) {
				return false
			}
		}
		return true
	}
	return canon.Equal(got, want)
}

func describe(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
