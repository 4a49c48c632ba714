package harness

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/testutil"
	"github.com/nacorga/tracelog/internal/tracker"
)

// AssertionContext provides the final state assertions inspect.
type AssertionContext struct {
	// Tabs are the trackers still open, by tab id.
	Tabs map[string]*tracker.Tracker

	// Transport holds every delivered batch.
	Transport *testutil.Transport
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %8dms %-4s %-13s %s %s\n", i+1, ev.At, ev.Tab, ev.Kind, ev.Session, ev.Detail)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertLeaderCount:
			err = assertLeaderCount(actx, a)
		case AssertSameSession:
			err = assertSameSession(actx, a)
		case AssertDeliveredCount:
			err = assertDeliveredCount(actx, a)
		case AssertSessionCount:
			err = assertSessionCount(actx, a)
		case AssertQueueDepth:
			err = assertQueueDepth(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			var ae *AssertionError
			if errors.As(err, &ae) {
				ae.Trace = result.Trace
			}
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func assertLeaderCount(actx *AssertionContext, a Assertion) error {
	var leaders []string
	for _, id := range sortedTabs(actx) {
		if actx.Tabs[id].IsLeader() {
			leaders = append(leaders, id)
		}
	}
	if len(leaders) != a.Count {
		return &AssertionError{
			Type:     AssertLeaderCount,
			Expected: fmt.Sprintf("%d leaders", a.Count),
			Actual:   fmt.Sprintf("%d leaders %v", len(leaders), leaders),
		}
	}
	return nil
}

func assertSameSession(actx *AssertionContext, a Assertion) error {
	tabs := a.Tabs
	if len(tabs) == 0 {
		tabs = sortedTabs(actx)
	}
	if len(tabs) == 0 {
		return &AssertionError{Type: AssertSameSession, Expected: "open tabs", Actual: "no tab is open"}
	}

	sessions := make(map[string]string, len(tabs))
	for _, id := range tabs {
		tr, ok := actx.Tabs[id]
		if !ok {
			return &AssertionError{Type: AssertSameSession, Expected: "tab " + id + " open", Actual: "tab is closed"}
		}
		sessions[id] = tr.SessionID()
	}
	first := sessions[tabs[0]]
	for _, id := range tabs {
		if first == "" || sessions[id] != first {
			return &AssertionError{
				Type:     AssertSameSession,
				Expected: "one non-empty session across " + strings.Join(tabs, ","),
				Actual:   fmt.Sprintf("%v", sessions),
			}
		}
	}
	return nil
}

func assertDeliveredCount(actx *AssertionContext, a Assertion) error {
	got := actx.Transport.CountByType(model.EventType(a.Event))
	if got != a.Count {
		return &AssertionError{
			Type:     AssertDeliveredCount,
			Expected: fmt.Sprintf("%d %s events delivered", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d delivered", got),
		}
	}
	return nil
}

func assertSessionCount(actx *AssertionContext, a Assertion) error {
	seen := make(map[string]bool)
	for _, d := range actx.Transport.Deliveries() {
		for _, e := range d.Batch.Events {
			if e.Type == model.EventSessionStart {
				seen[d.Batch.SessionID] = true
			}
		}
	}
	if len(seen) != a.Count {
		return &AssertionError{
			Type:     AssertSessionCount,
			Expected: fmt.Sprintf("%d sessions announced", a.Count),
			Actual:   fmt.Sprintf("%d sessions %v", len(seen), slices.Sorted(maps.Keys(seen))),
		}
	}
	return nil
}

func assertQueueDepth(actx *AssertionContext, a Assertion) error {
	tr, ok := actx.Tabs[a.Tab]
	if !ok {
		return &AssertionError{Type: AssertQueueDepth, Expected: "tab " + a.Tab + " open", Actual: "tab is closed"}
	}
	if got := tr.QueueDepth(); got != a.Count {
		return &AssertionError{
			Type:     AssertQueueDepth,
			Expected: fmt.Sprintf("%d events queued in %s", a.Count, a.Tab),
			Actual:   fmt.Sprintf("%d queued", got),
		}
	}
	return nil
}

func sortedTabs(actx *AssertionContext) []string {
	return slices.Sorted(maps.Keys(actx.Tabs))
}
