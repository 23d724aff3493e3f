// Package rawtrace ingests an MPI execution trace — either legacy OTF1 or
// newer OTF2 — and produces an ordered, message-matched Trace: a process
// hierarchy plus, for each process, the point-to-point messages it sent.
//
// Loading a trace is a single call to Load, given an OTF1 and an OTF2
// RawDecoder (the actual byte-stream decoders are a third-party concern
// this package only consumes through otfadapter's callback interface).
// Load reads definitions, desugars any non-blocking MPI operations back
// into blocking-style sends/receives, matches every send against its
// receive in FIFO order per (sender, receiver, group, tag), and returns
// the result.
package rawtrace

import (
	"fmt"
	"log/slog"

	"github.com/hpctrace/rawtrace/internal/definitions"
	"github.com/hpctrace/rawtrace/internal/match"
	"github.com/hpctrace/rawtrace/internal/otfadapter"
	"github.com/hpctrace/rawtrace/internal/rawtrace"
)

// Re-exported so callers never need to import the internal otfadapter
// package directly to supply a decoder.
type (
	RawDecoder = otfadapter.RawDecoder
	DefSink    = otfadapter.DefSink
	EventSink  = otfadapter.EventSink
)

var (
	// ErrInvalidTrace is returned when neither the OTF1 nor the OTF2
	// decoder could open the trace path at all.
	ErrInvalidTrace = otfadapter.ErrInvalidTrace

	// ErrDuplicateDefinition is returned when the trace defines the same
	// process or location ID twice.
	ErrDuplicateDefinition = definitions.ErrDuplicateDefinition

	// ErrMissingResolution is returned when an event references a
	// communicator-relative local rank that has no entry in the
	// local-rank-to-location table built from the trace's own group and
	// communicator definitions.
	ErrMissingResolution = definitions.ErrMissingResolution

	// ErrOrphanReceive is returned when, after every send in the trace
	// has been matched, at least one receive queue still has unconsumed
	// entries — more messages were received on some key than were ever
	// sent on it.
	ErrOrphanReceive = match.ErrOrphanReceive
)

// Process identifies one MPI rank's global location.
type Process = definitions.Process

// Group identifies a communicator's member group.
type Group = match.Group

// Tag is an MPI message tag.
type Tag = match.Tag

// ProcessInfo is everything known about one process once definitions
// have finished loading.
type ProcessInfo = definitions.Info

// Message is one matched point-to-point transfer, attributed to its
// sender.
type Message = match.Message

// Observer receives the non-fatal diagnostics produced while loading and
// matching a trace. Every method may be called zero or more times; a nil
// Observer is valid and discards all of them.
type Observer interface {
	// TimingAnomaly reports a matched pair where the send's timestamp is
	// after the receive's, which should not happen in a causally
	// consistent trace.
	TimingAnomaly(sender, receiver Process, deltaTicks int64)

	// LengthAnomaly reports a matched pair where the receiver recorded
	// fewer bytes than the sender sent.
	LengthAnomaly(sender, receiver Process, sent, received int64)

	// MissingReceives reports that a (sender, receiver, group, tag) key
	// had more sends than receives once every send was processed.
	MissingReceives(sender, receiver Process, group Group, tag Tag, count int)

	// DanglingNonBlocking reports that location still had outstanding,
	// never-completed non-blocking send or receive requests once its
	// event stream was exhausted.
	DanglingNonBlocking(location Process, isends, irecvs int)
}

// Trace is the fully loaded, matched result of a trace file: the process
// hierarchy in display order, and every process's sent messages.
type Trace struct {
	beginTime int64
	endTime   int64

	processes       []Process
	orderedProcesses []Process
	info            map[Process]ProcessInfo

	messagesBySender map[Process][]Message
}

var emptyMessages = []Message{}

// BeginTime and EndTime report the trace's observed time window, spanning
// every Enter/Leave event seen across every loaded process.
func (t *Trace) BeginTime() int64 { return t.beginTime }
func (t *Trace) EndTime() int64   { return t.endTime }

// Processes returns every process named by the trace's definitions, in
// definition order.
func (t *Trace) Processes() []Process {
	out := make([]Process, len(t.processes))
	copy(out, t.processes)
	return out
}

// OrderedProcesses returns the process hierarchy's DFS preorder, siblings
// sorted by ascending ID: the order for displaying or iterating the
// trace.
func (t *Trace) OrderedProcesses() []Process {
	out := make([]Process, len(t.orderedProcesses))
	copy(out, t.orderedProcesses)
	return out
}

// ProcessInfo returns the resolved metadata for p.
func (t *Trace) ProcessInfo(p Process) ProcessInfo { return t.info[p] }

// Messages returns the matched messages sent by p, in send order. It
// returns an empty, non-nil slice for a process that sent nothing.
func (t *Trace) Messages(p Process) []Message {
	if msgs, ok := t.messagesBySender[p]; ok {
		return msgs
	}
	return emptyMessages
}

// observingReporter adapts match.Reporter to an Observer, resolving each
// Key back to a (sender, receiver) pair for the caller.
type observingReporter struct {
	obs Observer
}

func (r observingReporter) TimingAnomaly(k match.Key, deltaTicks int64) {
	if r.obs != nil {
		r.obs.TimingAnomaly(Process(k.Sender), Process(k.Receiver), deltaTicks)
	}
}

func (r observingReporter) LengthAnomaly(k match.Key, sent, received int64) {
	if r.obs != nil {
		r.obs.LengthAnomaly(Process(k.Sender), Process(k.Receiver), sent, received)
	}
}

func (r observingReporter) UnmatchedSend(k match.Key, count int) {
	if r.obs != nil {
		r.obs.MissingReceives(Process(k.Sender), Process(k.Receiver), k.Group, k.Tag, count)
	}
}

// Load opens path against otf1 and otf2 (trying otf1 first), loads every
// process's definitions and events, desugars non-blocking MPI operations,
// matches every send against its receive, and returns the resulting
// Trace. log receives structured lifecycle logging in the style of the
// rest of this engine; a nil log discards it. obs receives the non-fatal
// diagnostics produced along the way; a nil obs discards them.
//
// Load returns ErrInvalidTrace if neither decoder can open path,
// ErrDuplicateDefinition if the trace defines a process/location twice,
// ErrMissingResolution if an event references an unresolvable
// communicator-relative rank, and ErrOrphanReceive if, after matching,
// some key still has unconsumed receives.
func Load(path string, log *slog.Logger, obs Observer, otf1, otf2 RawDecoder) (*Trace, error) {
	handle, err := otfadapter.Open(path, otf1, otf2)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	rt := rawtrace.New(log)
	if err := rt.LoadDefinitions(handle); err != nil {
		return nil, err
	}
	if err := rt.LoadEventsAll(handle); err != nil {
		return nil, err
	}

	if obs != nil {
		for _, p := range rt.Processes() {
			if isends, irecvs := rt.Dangling(p); isends > 0 || irecvs > 0 {
				obs.DanglingNonBlocking(Process(p), isends, irecvs)
			}
		}
	}

	bySender, err := rt.Match(observingReporter{obs: obs})
	if err != nil {
		return nil, fmt.Errorf("rawtrace: %w", err)
	}

	trace := &Trace{
		beginTime:        rt.BeginTime(),
		endTime:          rt.EndTime(),
		processes:        rt.Processes(),
		orderedProcesses: rt.Order(),
		info:             make(map[Process]ProcessInfo, len(rt.Processes())),
		messagesBySender: make(map[Process][]Message, len(bySender)),
	}
	for _, p := range trace.processes {
		trace.info[p] = rt.ProcessInfo(p)
	}
	for sender, msgs := range bySender {
		trace.messagesBySender[Process(sender)] = msgs
	}

	return trace, nil
}
