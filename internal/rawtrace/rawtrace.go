// Package rawtrace loads an opened otfadapter.Handle's definitions and
// per-process events into the raw, per-process sent/received message
// lists the matcher consumes, desugaring any non-blocking MPI operations
// along the way. It owns the lifecycle of a single trace: definitions
// must be loaded once before any process's events can be loaded, and
// loading a given process's events twice is a no-op.
package rawtrace

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hpctrace/rawtrace/internal/definitions"
	"github.com/hpctrace/rawtrace/internal/desugar"
	"github.com/hpctrace/rawtrace/internal/match"
	"github.com/hpctrace/rawtrace/internal/otfadapter"
)

// RawTrace accumulates one trace's definitions and message streams. The
// zero value is not usable; construct with New.
type RawTrace struct {
	log *slog.Logger

	mu sync.Mutex

	defs             *definitions.Context
	loadedDefs       bool
	loadedDefsErr    error

	loadedEvents map[definitions.Process]bool

	desugarState *desugar.State

	beginTime int64
	endTime   int64
	hasTime   bool

	sent     map[definitions.Process][]match.Sent
	received map[definitions.Process][]match.Received
}

// New returns a RawTrace ready to load definitions from handle. log may
// be nil, in which case a discard logger is used.
func New(log *slog.Logger) *RawTrace {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RawTrace{
		log:          log,
		loadedEvents: make(map[definitions.Process]bool),
		desugarState: desugar.NewState(),
		sent:         make(map[definitions.Process][]match.Sent),
		received:     make(map[definitions.Process][]match.Received),
	}
}

// LoadDefinitions reads handle's definitions exactly once. A second call
// is a no-op that returns the first call's result.
func (rt *RawTrace) LoadDefinitions(handle *otfadapter.Handle) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.loadedDefs {
		return rt.loadedDefsErr
	}
	rt.loadedDefs = true

	defs := definitions.NewContext()
	if err := handle.ReadDefinitions(defs); err != nil {
		rt.loadedDefsErr = fmt.Errorf("rawtrace: load definitions: %w", err)
		return rt.loadedDefsErr
	}
	if err := defs.Finalize(); err != nil {
		rt.loadedDefsErr = fmt.Errorf("rawtrace: finalize definitions: %w", err)
		return rt.loadedDefsErr
	}

	rt.defs = defs
	rt.log.Info("definitions loaded", "processes", len(defs.Processes()))
	return nil
}

// Processes returns every process named by the loaded definitions.
// LoadDefinitions must have succeeded first.
func (rt *RawTrace) Processes() []definitions.Process {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.defs.Processes()
}

// ProcessInfo returns the resolved metadata for p.
func (rt *RawTrace) ProcessInfo(p definitions.Process) definitions.Info {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.defs.Info(p)
}

// LoadEvents reads process p's event stream through handle, resolving
// communicator-relative peers and desugaring non-blocking operations.
// Loading the same process twice is a no-op. LoadDefinitions must have
// already succeeded.
func (rt *RawTrace) LoadEvents(handle *otfadapter.Handle, p definitions.Process) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.defs == nil {
		return fmt.Errorf("rawtrace: LoadEvents(%d): definitions not loaded", p)
	}
	if rt.loadedEvents[p] {
		return nil
	}
	rt.loadedEvents[p] = true

	if err := handle.SelectProcess(int64(p)); err != nil {
		return fmt.Errorf("rawtrace: select process %d: %w", p, err)
	}

	sink := &eventSink{rt: rt, location: p}
	if err := handle.ReadEvents(sink); err != nil {
		return fmt.Errorf("rawtrace: read events for process %d: %w", p, err)
	}
	if sink.err != nil {
		return sink.err
	}

	isends, irecvs := rt.desugarState.Dangling(int64(p))
	if isends > 0 || irecvs > 0 {
		rt.log.Warn("dangling non-blocking operations at trace end",
			"process", p, "isends", isends, "irecv_requests", irecvs)
	}

	rt.log.Info("events loaded", "process", p, "sent", len(rt.sent[p]), "received", len(rt.received[p]))
	return nil
}

// LoadEventsAll loads every defined process's events.
func (rt *RawTrace) LoadEventsAll(handle *otfadapter.Handle) error {
	for _, p := range rt.Processes() {
		if err := rt.LoadEvents(handle, p); err != nil {
			return err
		}
	}
	return nil
}

// Dangling reports process p's outstanding, never-completed non-blocking
// send/receive requests once its event stream has been fully read.
func (rt *RawTrace) Dangling(p definitions.Process) (isends, irecvs int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.desugarState.Dangling(int64(p))
}

// BeginTime and EndTime report the trace's observed time window. They
// are zero-valued until at least one Enter/Leave event has been seen.
func (rt *RawTrace) BeginTime() int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.beginTime
}

func (rt *RawTrace) EndTime() int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.endTime
}

// Order returns the deterministic preorder traversal of the process
// hierarchy.
func (rt *RawTrace) Order() []definitions.Process {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	procs := toMatchProcesses(rt.defs.Processes())
	parents := make(map[match.Process]match.Process)
	for _, p := range rt.defs.Processes() {
		info := rt.defs.Info(p)
		if info.HasParent {
			parents[match.Process(p)] = match.Process(info.ParentID)
		}
	}
	ordered := match.Order(procs, parents)

	out := make([]definitions.Process, len(ordered))
	for i, p := range ordered {
		out[i] = definitions.Process(p)
	}
	return out
}

// SentMessages returns process p's sent messages in issue order, after
// non-blocking desugaring and local-rank resolution. It returns an empty,
// non-nil slice for a process whose events have not been loaded.
func (rt *RawTrace) SentMessages(p definitions.Process) []match.Sent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]match.Sent, len(rt.sent[p]))
	copy(out, rt.sent[p])
	return out
}

// ReceivedMessages returns process p's received messages in issue order.
func (rt *RawTrace) ReceivedMessages(p definitions.Process) []match.Received {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]match.Received, len(rt.received[p]))
	copy(out, rt.received[p])
	return out
}

// Match runs the message-matching algorithm over every sent/received
// message recorded so far, returning the matched Messages bucketed by
// sender.
func (rt *RawTrace) Match(reporter match.Reporter) (map[match.Process][]match.Message, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	sent := make(map[match.Process][]match.Sent, len(rt.sent))
	for p, msgs := range rt.sent {
		sent[match.Process(p)] = msgs
	}
	received := make(map[match.Process][]match.Received, len(rt.received))
	for p, msgs := range rt.received {
		received[match.Process(p)] = msgs
	}

	return match.Match(sent, received, reporter)
}

func toMatchProcesses(ps []definitions.Process) []match.Process {
	out := make([]match.Process, len(ps))
	for i, p := range ps {
		out[i] = match.Process(p)
	}
	return out
}

func (rt *RawTrace) observeTime(t int64) {
	if !rt.hasTime {
		rt.beginTime, rt.endTime, rt.hasTime = t, t, true
		return
	}
	if t < rt.beginTime {
		rt.beginTime = t
	}
	if t > rt.endTime {
		rt.endTime = t
	}
}

func (rt *RawTrace) recordSend(e desugar.Emitted, location definitions.Process) error {
	receiver, err := rt.defs.Resolve(e.Group, e.Peer)
	if err != nil {
		return err
	}
	rt.sent[location] = append(rt.sent[location], match.Sent{
		Time:     e.Time,
		Receiver: match.Process(receiver),
		Group:    match.Group(e.Group),
		Tag:      match.Tag(e.Tag),
		Length:   e.Length,
	})
	return nil
}

func (rt *RawTrace) recordReceive(e desugar.Emitted, location definitions.Process) error {
	sender, err := rt.defs.Resolve(e.Group, e.Peer)
	if err != nil {
		return err
	}
	rt.received[location] = append(rt.received[location], match.Received{
		Time:   e.Time,
		Sender: match.Process(sender),
		Group:  match.Group(e.Group),
		Tag:    match.Tag(e.Tag),
		Length: e.Length,
	})
	return nil
}
