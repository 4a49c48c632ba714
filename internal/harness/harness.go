package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nacorga/tracelog/internal/bus"
	"github.com/nacorga/tracelog/internal/clock"
	"github.com/nacorga/tracelog/internal/config"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/store"
	"github.com/nacorga/tracelog/internal/testutil"
	"github.com/nacorga/tracelog/internal/tracker"
)

// Project is the project id every scenario runs under.
const Project = "scenario"

// Harness executes one scenario. Every run gets a fresh origin.
type Harness struct {
	cfg   config.Config
	fake  *clock.Fake
	kv    *store.Memory
	hub   *bus.Hub
	tr    *testutil.Transport
	ids   *model.SequenceGenerator
	tabs  map[string]*tracker.Tracker
	seed  uint64
	mu    sync.Mutex
	trace []TraceEvent
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh simulated origin
// 2. Execute steps in order
// 3. Evaluate assertions against the final state
// 4. Abandon the tabs still open
//
// An error is returned when a step cannot be executed (for example it
// names a tab that is not open); failed assertions are reported in the
// result instead.
func Run(scenario *Scenario) (*Result, error) {
	cfg := config.Default()
	cfg.ProjectID = Project
	cfg.Endpoint = "https://collect.test/v1/events"
	return RunWithConfig(scenario, cfg)
}

// RunWithConfig is Run with a caller-supplied tracker configuration. The
// project id is always Project.
func RunWithConfig(scenario *Scenario, cfg config.Config) (*Result, error) {
	cfg.ProjectID = Project
	fake, _ := testutil.NewClock()
	fake.Advance(time.Millisecond)
	h := &Harness{
		cfg:  cfg,
		fake: fake,
		kv:   store.NewMemory(),
		hub:  bus.NewHub(fake),
		tr:   testutil.NewTransport(),
		ids:  model.NewSequenceGenerator("s"),
		tabs: make(map[string]*tracker.Tracker),
	}
	defer h.abandonAll()

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
	}

	result := NewResult()
	result.Trace = h.snapshot()
	for id, tr := range h.tabs {
		result.Sessions[id] = tr.SessionID()
	}
	actx := &AssertionContext{Tabs: h.tabs, Transport: h.tr}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(step Step) error {
	h.record(TraceEvent{Tab: step.Tab, Kind: KindStep, Detail: describe(step)})
	switch step.Do {
	case StepOpen:
		return h.open(step.Tab)
	case StepAdvance:
		d, err := time.ParseDuration(step.For)
		if err != nil {
			return err
		}
		h.fake.Advance(d)
		return nil
	case StepPartition:
		h.hub.Partition()
		return nil
	case StepHeal:
		h.hub.Heal()
		return nil
	case StepTransport:
		h.tr.SetFailing(step.State == "fail")
		return nil
	}

	tr, ok := h.tabs[step.Tab]
	if !ok {
		return fmt.Errorf("tab %q is not open", step.Tab)
	}
	switch step.Do {
	case StepCrash:
		tr.Abandon()
		h.drop(step.Tab)
	case StepUnload:
		tr.Unload()
		h.drop(step.Tab)
	case StepClose:
		tr.CloseTab()
		h.drop(step.Tab)
	case StepStop:
		if _, err := tr.Stop(context.Background()); err != nil {
			return err
		}
		h.drop(step.Tab)
	case StepTrack:
		return tr.Track(step.Event.Event())
	case StepActivity:
		tr.Activity(step.Signal)
	case StepFlush:
		if _, err := tr.Flush(context.Background()); err != nil {
			h.record(TraceEvent{Tab: step.Tab, Kind: KindStep, Detail: "flush failed"})
		}
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}
	return nil
}

func (h *Harness) open(id string) error {
	if _, ok := h.tabs[id]; ok {
		return fmt.Errorf("tab %q is already open", id)
	}
	h.seed++
	tr := tracker.New(h.cfg, tracker.Deps{
		KV:        h.kv,
		Bus:       h.hub.Port(id),
		Transport: &tabTransport{h: h, tab: id},
		Clock:     h.fake,
		Page:      model.NewStaticPage("https://"+Project+".test/"+id, ""),
	},
		tracker.WithTabID(id),
		tracker.WithSessionIDs(h.ids),
		tracker.WithEventIDs(model.NewSequenceGenerator("e-"+id)),
		tracker.WithUserIDs(testutil.NewFixedGenerator("u-1")),
		tracker.WithRand(rand.New(rand.NewPCG(h.seed, h.seed))))

	tr.OnSessionStart(func(rec model.SessionRecord) {
		h.record(TraceEvent{Tab: id, Kind: KindSessionStart, Session: rec.ID, Detail: fmt.Sprintf("epoch %d", rec.Epoch)})
	})
	tr.OnSessionEnd(func(sid string, reason model.EndReason) {
		h.record(TraceEvent{Tab: id, Kind: KindSessionEnd, Session: sid, Detail: string(reason)})
	})
	if err := tr.Init(); err != nil {
		return err
	}
	h.tabs[id] = tr
	return nil
}

func (h *Harness) drop(id string) {
	delete(h.tabs, id)
	_ = h.hub.Port(id).Close()
}

func (h *Harness) abandonAll() {
	for _, tr := range h.tabs {
		tr.Abandon()
	}
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.At = clock.Millis(h.fake.Now())
	h.trace = append(h.trace, ev)
}

func (h *Harness) snapshot() []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.trace)
}

func describe(step Step) string {
	switch step.Do {
	case StepAdvance:
		return "advance " + step.For
	case StepTrack:
		return "track " + step.Event.Type
	case StepActivity:
		return "activity " + step.Signal
	case StepTransport:
		return "transport " + step.State
	}
	return step.Do
}

// tabTransport records successful deliveries of one tab in the trace.
type tabTransport struct {
	h   *Harness
	tab string
}

func (t *tabTransport) Request(ctx context.Context, endpoint string, batch model.Batch, timeout time.Duration) error {
	if err := t.h.tr.Request(ctx, endpoint, batch, timeout); err != nil {
		return err
	}
	t.delivered("request", batch)
	return nil
}

func (t *tabTransport) FireAndForget(endpoint string, batch model.Batch) bool {
	if !t.h.tr.FireAndForget(endpoint, batch) {
		return false
	}
	t.delivered("fire_and_forget", batch)
	return true
}

func (t *tabTransport) delivered(method string, batch model.Batch) {
	types := make([]string, len(batch.Events))
	for i, e := range batch.Events {
		types[i] = string(e.Type)
	}
	t.h.record(TraceEvent{
		Tab:     t.tab,
		Kind:    KindDelivery,
		Session: batch.SessionID,
		Detail:  method + " " + strings.Join(types, ","),
	})
}
