package rawtrace_test

import (
	"errors"
	"testing"

	"github.com/hpctrace/rawtrace/internal/definitions"
	"github.com/hpctrace/rawtrace/internal/match"
	"github.com/hpctrace/rawtrace/internal/otfadapter"
	"github.com/hpctrace/rawtrace/internal/otfadapter/testdecoder"
	"github.com/hpctrace/rawtrace/internal/rawtrace"
)

func openOTF1(t *testing.T, path string, tr *testdecoder.Trace) *otfadapter.Handle {
	t.Helper()
	tr.Kind = otfadapter.KindOTF1
	otf1 := testdecoder.NewDecoder(otfadapter.KindOTF1, map[string]*testdecoder.Trace{path: tr})
	otf2 := testdecoder.NewDecoder(otfadapter.KindOTF2, nil)
	h, err := otfadapter.Open(path, otf1, otf2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func openOTF2(t *testing.T, path string, tr *testdecoder.Trace) *otfadapter.Handle {
	t.Helper()
	tr.Kind = otfadapter.KindOTF2
	otf1 := testdecoder.NewDecoder(otfadapter.KindOTF1, nil)
	otf2 := testdecoder.NewDecoder(otfadapter.KindOTF2, map[string]*testdecoder.Trace{path: tr})
	h, err := otfadapter.Open(path, otf1, otf2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

type capturingReporter struct {
	unmatched map[match.Key]int
}

func (c *capturingReporter) TimingAnomaly(match.Key, int64)          {}
func (c *capturingReporter) LengthAnomaly(match.Key, int64, int64)   {}
func (c *capturingReporter) UnmatchedSend(k match.Key, count int) {
	if c.unmatched == nil {
		c.unmatched = make(map[match.Key]int)
	}
	c.unmatched[k] = count
}

// S1 — two-process blocking round trip (OTF1).
func TestScenario_S1_TwoProcessBlockingRoundTrip(t *testing.T) {
	tr := &testdecoder.Trace{
		Processes: []testdecoder.DefProcess{
			{ID: 1, Name: "P1"},
			{ID: 2, Name: "P2"},
		},
		Events: map[int64][]testdecoder.Event{
			1: {
				{Kind: testdecoder.EventEnter, Time: 100},
				{Kind: testdecoder.EventSend, Time: 200, Peer: 2, Group: 0, Tag: 7, Length: 64},
			},
			2: {
				{Kind: testdecoder.EventReceive, Time: 210, Peer: 1, Group: 0, Tag: 7, Length: 64},
				{Kind: testdecoder.EventLeave, Time: 300},
			},
		},
	}
	h := openOTF1(t, "s1.otf", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEventsAll(h); err != nil {
		t.Fatalf("LoadEventsAll: %v", err)
	}

	if rt.BeginTime() != 100 || rt.EndTime() != 300 {
		t.Fatalf("window = [%d,%d], want [100,300]", rt.BeginTime(), rt.EndTime())
	}

	bySender, err := rt.Match(nil)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	msgs := bySender[1]
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
	want := match.Message{SendTime: 200, Duration: 10, Receiver: 2, Length: 64}
	if msgs[0] != want {
		t.Fatalf("message = %+v, want %+v", msgs[0], want)
	}
}

// S2 — missing receive: non-fatal, reported, load completes.
func TestScenario_S2_MissingReceive(t *testing.T) {
	tr := &testdecoder.Trace{
		Processes: []testdecoder.DefProcess{
			{ID: 1, Name: "P1"},
			{ID: 2, Name: "P2"},
		},
		Events: map[int64][]testdecoder.Event{
			1: {
				{Kind: testdecoder.EventEnter, Time: 100},
				{Kind: testdecoder.EventSend, Time: 200, Peer: 2, Group: 0, Tag: 7, Length: 64},
			},
			2: {
				{Kind: testdecoder.EventLeave, Time: 300},
			},
		},
	}
	h := openOTF1(t, "s2.otf", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEventsAll(h); err != nil {
		t.Fatalf("LoadEventsAll: %v", err)
	}

	rep := &capturingReporter{}
	msgs, err := rt.Match(rep)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}
	wantKey := match.Key{Sender: 1, Receiver: 2, Group: 0, Tag: 7}
	if rep.unmatched[wantKey] != 1 {
		t.Fatalf("unmatched[%s] = %d, want 1", wantKey, rep.unmatched[wantKey])
	}
}

// S3 — non-blocking reorder (OTF2): a later isend completing first defers
// emission until the earlier one completes, preserving issue order.
func TestScenario_S3_NonBlockingReorder(t *testing.T) {
	const (
		reqA = 1001
		reqB = 1002
		comm = 500
		loc1 = 1
		loc2 = 2
	)
	tr := &testdecoder.Trace{
		Strings:   []testdecoder.DefString{{Ref: 1, Value: "rank"}},
		Locations: []testdecoder.DefLocation{{ID: loc1, NameStringRef: 1, LocationGroup: 9}, {ID: loc2, NameStringRef: 1, LocationGroup: 9}},
		Groups: []testdecoder.DefGroup{
			{Ref: 700, Type: otfadapter.GroupTypeCommLocations, Paradigm: otfadapter.ParadigmMPI, Members: []int64{loc1, loc2}},
		},
		Comms: []testdecoder.DefComm{{Ref: comm, Group: 700}},
		Events: map[int64][]testdecoder.Event{
			loc1: {
				{Kind: testdecoder.EventISend, Time: 100, Peer: 1, Group: comm, Tag: 1, Length: 8, RequestID: reqA},
				{Kind: testdecoder.EventISend, Time: 110, Peer: 1, Group: comm, Tag: 2, Length: 8, RequestID: reqB},
				{Kind: testdecoder.EventISendComplete, Time: 200, RequestID: reqB},
				{Kind: testdecoder.EventISendComplete, Time: 300, RequestID: reqA},
			},
		},
	}
	h := openOTF2(t, "s3.otf2", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEvents(h, definitions.Process(loc1)); err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}

	got := rt.SentMessages(definitions.Process(loc1))
	if len(got) != 2 {
		t.Fatalf("got %d sent messages, want 2: %+v", len(got), got)
	}
	if got[0].Time != 100 || got[0].Tag != 1 {
		t.Fatalf("first emission = %+v, want time=100 tag=1", got[0])
	}
	if got[1].Time != 110 || got[1].Tag != 2 {
		t.Fatalf("second emission = %+v, want time=110 tag=2", got[1])
	}
}

// S4 — request cancellation: the blocked blocking receive is emitted, the
// cancelled request itself is not.
func TestScenario_S4_RequestCancellation(t *testing.T) {
	const (
		reqA = 42
		comm = 500
		loc1 = 1
		loc2 = 2
	)
	tr := &testdecoder.Trace{
		Strings:   []testdecoder.DefString{{Ref: 1, Value: "rank"}},
		Locations: []testdecoder.DefLocation{{ID: loc1, NameStringRef: 1, LocationGroup: 9}, {ID: loc2, NameStringRef: 1, LocationGroup: 9}},
		Groups: []testdecoder.DefGroup{
			{Ref: 700, Type: otfadapter.GroupTypeCommLocations, Paradigm: otfadapter.ParadigmMPI, Members: []int64{loc1, loc2}},
		},
		Comms: []testdecoder.DefComm{{Ref: comm, Group: 700}},
		Events: map[int64][]testdecoder.Event{
			loc1: {
				{Kind: testdecoder.EventIRecvRequest, Time: 50, RequestID: reqA},
				{Kind: testdecoder.EventReceive, Time: 60, Peer: 1, Group: comm, Tag: 3, Length: 16},
				{Kind: testdecoder.EventRequestCancelled, Time: 70, RequestID: reqA},
			},
		},
	}
	h := openOTF2(t, "s4.otf2", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEvents(h, definitions.Process(loc1)); err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}

	got := rt.ReceivedMessages(definitions.Process(loc1))
	if len(got) != 1 {
		t.Fatalf("got %d received messages, want 1: %+v", len(got), got)
	}
	if got[0].Time != 60 || got[0].Tag != 3 {
		t.Fatalf("emission = %+v, want the blocked recv at time 60", got[0])
	}
}

// S5 — hierarchical ordering from synthesized OTF2 parents.
func TestScenario_S5_HierarchicalOrdering(t *testing.T) {
	tr := &testdecoder.Trace{
		Strings: []testdecoder.DefString{{Ref: 1, Value: "x"}},
		Locations: []testdecoder.DefLocation{
			{ID: 0x1, NameStringRef: 1, LocationGroup: 1},
			{ID: 0x2, NameStringRef: 1, LocationGroup: 2},
			{ID: 0x100000001, NameStringRef: 1, LocationGroup: 1},
			{ID: 0x200000002, NameStringRef: 1, LocationGroup: 2},
		},
	}
	h := openOTF2(t, "s5.otf2", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}

	got := rt.Order()
	want := []definitions.Process{0x1, 0x100000001, 0x2, 0x200000002}
	if len(got) != len(want) {
		t.Fatalf("Order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Order = %v, want %v", got, want)
		}
	}
}

// S6 — local-rank resolution through a sub-communicator whose group
// reverses world-rank order relative to the MPI location group.
func TestScenario_S6_LocalRankResolution(t *testing.T) {
	tr := &testdecoder.Trace{
		Strings: []testdecoder.DefString{{Ref: 1, Value: "x"}},
		Locations: []testdecoder.DefLocation{
			{ID: 10, NameStringRef: 1, LocationGroup: 1},
			{ID: 20, NameStringRef: 1, LocationGroup: 2},
		},
		Groups: []testdecoder.DefGroup{
			{Ref: 700, Type: otfadapter.GroupTypeCommLocations, Paradigm: otfadapter.ParadigmMPI, Members: []int64{10, 20}},
			{Ref: 701, Type: otfadapter.GroupTypeOther, Paradigm: otfadapter.ParadigmMPI, Members: []int64{20, 10}},
		},
		Comms: []testdecoder.DefComm{{Ref: 1, Group: 701}},
		Events: map[int64][]testdecoder.Event{
			10: {
				{Kind: testdecoder.EventSend, Time: 100, Peer: 0, Group: 1, Tag: 0, Length: 4},
			},
		},
	}
	h := openOTF2(t, "s6.otf2", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEvents(h, definitions.Process(10)); err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}

	got := rt.SentMessages(definitions.Process(10))
	if len(got) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(got))
	}
	if got[0].Receiver != 20 {
		t.Fatalf("resolved receiver = %d, want 20", got[0].Receiver)
	}
}

func TestLoadDefinitions_Idempotent(t *testing.T) {
	tr := &testdecoder.Trace{Processes: []testdecoder.DefProcess{{ID: 1, Name: "P1"}}}
	h := openOTF1(t, "idem.otf", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions (1st): %v", err)
	}
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions (2nd): %v", err)
	}
	if len(rt.Processes()) != 1 {
		t.Fatalf("Processes() = %v, want 1 entry", rt.Processes())
	}
}

func TestLoadEvents_Idempotent(t *testing.T) {
	tr := &testdecoder.Trace{
		Processes: []testdecoder.DefProcess{{ID: 1, Name: "P1"}, {ID: 2, Name: "P2"}},
		Events: map[int64][]testdecoder.Event{
			1: {{Kind: testdecoder.EventSend, Time: 1, Peer: 2, Group: 0, Tag: 1, Length: 1}},
		},
	}
	h := openOTF1(t, "idem2.otf", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEvents(h, 1); err != nil {
		t.Fatalf("LoadEvents (1st): %v", err)
	}
	if err := rt.LoadEvents(h, 1); err != nil {
		t.Fatalf("LoadEvents (2nd): %v", err)
	}
	if got := rt.SentMessages(1); len(got) != 1 {
		t.Fatalf("SentMessages after reload = %v, want exactly 1 entry", got)
	}
}

func TestMatch_OrphanReceiveIsFatal(t *testing.T) {
	tr := &testdecoder.Trace{
		Processes: []testdecoder.DefProcess{{ID: 1, Name: "P1"}, {ID: 2, Name: "P2"}},
		Events: map[int64][]testdecoder.Event{
			2: {{Kind: testdecoder.EventReceive, Time: 1, Peer: 1, Group: 0, Tag: 1, Length: 1}},
		},
	}
	h := openOTF1(t, "orphan.otf", tr)

	rt := rawtrace.New(nil)
	if err := rt.LoadDefinitions(h); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if err := rt.LoadEventsAll(h); err != nil {
		t.Fatalf("LoadEventsAll: %v", err)
	}

	if _, err := rt.Match(nil); !errors.Is(err, match.ErrOrphanReceive) {
		t.Fatalf("Match err = %v, want ErrOrphanReceive", err)
	}
}
