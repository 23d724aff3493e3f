// Package testdecoder is an in-memory otfadapter.RawDecoder used by this
// repository's own tests. It plays the role a real OTF1/OTF2 C library
// binding would play in production, replaying a trace built
// programmatically instead of parsing bytes off disk — the real decoder
// is a third-party concern out of scope for this repository (see
// SPEC_FULL.md §4.1).
package testdecoder

import (
	"fmt"

	"github.com/hpctrace/rawtrace/internal/otfadapter"
)

// DefProcess is one OTF1-style process definition.
type DefProcess struct {
	ID     int64
	Parent int64 // 0 means "no parent", matching the OTF1 wire sentinel
	Name   string
}

// DefLocation is one OTF2-style location definition (metric locations are
// simply not added to a Trace's Locations).
type DefLocation struct {
	ID            int64
	NameStringRef int64
	LocationGroup int64
}

// DefString resolves a string reference to text.
type DefString struct {
	Ref   int64
	Value string
}

// DefGroup is one OTF2-style group definition.
type DefGroup struct {
	Ref      int64
	Type     otfadapter.GroupType
	Paradigm otfadapter.Paradigm
	Members  []int64 // members[local_rank] = world_rank
}

// DefComm is one OTF2-style communicator definition.
type DefComm struct {
	Ref   int64
	Group int64
}

// Event is a single event record. Only the fields listed below for its
// Kind are read; the others are ignored.
type Event struct {
	Kind EventKind
	Time int64

	// Send / Receive / ISend / IRecv
	Peer   int64 // receiver for sends, sender for receives
	Group  int64
	Tag    int32
	Length int64

	// ISend / ISendComplete / IRecvRequest / IRecv / RequestCancelled
	RequestID uint64
}

type EventKind int

const (
	EventSend EventKind = iota
	EventReceive
	EventEnter
	EventLeave
	EventISend
	EventISendComplete
	EventIRecvRequest
	EventIRecv
	EventRequestCancelled
)

// Trace is a complete synthetic trace: either OTF1-shaped (DefProcesses
// only) or OTF2-shaped (Locations/Strings/Groups/Comms), plus a per-
// location event stream.
type Trace struct {
	Kind otfadapter.Kind

	Processes []DefProcess // OTF1 only

	Locations []DefLocation // OTF2 only
	Strings   []DefString
	Groups    []DefGroup
	Comms     []DefComm

	// Events maps a location/process ID to its ordered event stream.
	Events map[int64][]Event
}

// Decoder is an otfadapter.RawDecoder that serves a fixed set of named
// Traces. A Decoder bound to KindOTF1 only opens Traces with Kind ==
// otfadapter.KindOTF1, and returns otfadapter.ErrNotThisFormat for every
// other path — mirroring how the real OTF1 reader refuses an OTF2 anchor
// file outright rather than erroring transiently.
type Decoder struct {
	kind   otfadapter.Kind
	traces map[string]*Trace
}

// NewDecoder returns a Decoder for the given Kind, serving traces by path.
func NewDecoder(kind otfadapter.Kind, traces map[string]*Trace) *Decoder {
	return &Decoder{kind: kind, traces: traces}
}

func (d *Decoder) Open(path string) (otfadapter.RawHandle, error) {
	tr, ok := d.traces[path]
	if !ok || tr.Kind != d.kind {
		return nil, fmt.Errorf("testdecoder: %q: %w", path, otfadapter.ErrNotThisFormat)
	}
	return &handle{trace: tr}, nil
}

type handle struct {
	trace    *Trace
	selected int64
	hasSel   bool
}

func (h *handle) ReadDefinitions(sink otfadapter.DefSink) error {
	for _, p := range h.trace.Processes {
		sink.OTF1Process(p.ID, p.Parent, p.Name)
	}
	for _, l := range h.trace.Locations {
		sink.OTF2Location(l.ID, l.NameStringRef, l.LocationGroup)
	}
	for _, s := range h.trace.Strings {
		sink.OTF2String(s.Ref, s.Value)
	}
	for _, g := range h.trace.Groups {
		sink.OTF2Group(g.Ref, g.Type, g.Paradigm, g.Members)
	}
	for _, c := range h.trace.Comms {
		sink.OTF2Comm(c.Ref, c.Group)
	}
	return nil
}

func (h *handle) SelectProcess(p int64) error {
	h.selected = p
	h.hasSel = true
	return nil
}

func (h *handle) ReadEvents(sink otfadapter.EventSink) error {
	if !h.hasSel {
		return fmt.Errorf("testdecoder: ReadEvents called before SelectProcess")
	}
	for _, e := range h.trace.Events[h.selected] {
		switch e.Kind {
		case EventSend:
			sink.Send(e.Time, h.selected, e.Peer, e.Group, e.Tag, e.Length)
		case EventReceive:
			sink.Receive(e.Time, h.selected, e.Peer, e.Group, e.Tag, e.Length)
		case EventEnter:
			sink.Enter(e.Time)
		case EventLeave:
			sink.Leave(e.Time)
		case EventISend:
			sink.ISend(e.Time, h.selected, e.Peer, e.Group, e.Tag, e.Length, e.RequestID)
		case EventISendComplete:
			sink.ISendComplete(e.Time, h.selected, e.RequestID)
		case EventIRecvRequest:
			sink.IRecvRequest(e.Time, h.selected, e.RequestID)
		case EventIRecv:
			sink.IRecv(e.Time, h.selected, e.Peer, e.Group, e.Tag, e.Length, e.RequestID)
		case EventRequestCancelled:
			sink.RequestCancelled(e.Time, h.selected, e.RequestID)
		}
	}
	return nil
}

func (h *handle) Close() error { return nil }
