package match_test

import (
	"errors"
	"testing"

	"github.com/hpctrace/rawtrace/internal/match"
)

func TestOrder_SortedSiblingPreorder(t *testing.T) {
	processes := []match.Process{3, 1, 2, 4}
	parents := map[match.Process]match.Process{
		2: 1,
		3: 1,
		4: 2,
	}

	got := match.Order(processes, parents)
	want := []match.Process{1, 2, 4, 3}
	if !equalProcesses(got, want) {
		t.Fatalf("Order = %v, want %v", got, want)
	}
}

func TestOrder_ChildIDBelowParentIDSweepsFirst(t *testing.T) {
	// parent=5, child=1: the ascending sweep reaches 1 before 5 and emits
	// it as a leading top-level entry; 5's own recursion later finds 1
	// already added and skips it.
	processes := []match.Process{5, 1}
	parents := map[match.Process]match.Process{1: 5}

	got := match.Order(processes, parents)
	want := []match.Process{1, 5}
	if !equalProcesses(got, want) {
		t.Fatalf("Order = %v, want %v", got, want)
	}
}

func TestOrder_NonTreeEdgeStillVisitsOnce(t *testing.T) {
	processes := []match.Process{1, 2}
	// 2's "parent" 99 isn't in processes at all.
	parents := map[match.Process]match.Process{2: 99}

	got := match.Order(processes, parents)
	if len(got) != 2 {
		t.Fatalf("Order = %v, want exactly 2 entries", got)
	}
}

func equalProcesses(a, b []match.Process) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type recorder struct {
	timing    []int64
	length    []int64
	unmatched int
}

func (r *recorder) TimingAnomaly(k match.Key, delta int64)         { r.timing = append(r.timing, delta) }
func (r *recorder) LengthAnomaly(k match.Key, sent, received int64) { r.length = append(r.length, sent-received) }
func (r *recorder) UnmatchedSend(k match.Key, count int)            { r.unmatched += count }

func TestMatch_SimpleFIFOPairing(t *testing.T) {
	sent := map[match.Process][]match.Sent{
		1: {
			{Time: 10, Receiver: 2, Group: 0, Tag: 1, Length: 64},
			{Time: 20, Receiver: 2, Group: 0, Tag: 1, Length: 64},
		},
	}
	received := map[match.Process][]match.Received{
		2: {
			{Time: 15, Sender: 1, Group: 0, Tag: 1, Length: 64},
			{Time: 25, Sender: 1, Group: 0, Tag: 1, Length: 64},
		},
	}

	rec := &recorder{}
	msgs, err := match.Match(sent, received, rec)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	got := msgs[1]
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Duration != 5 || got[1].Duration != 5 {
		t.Fatalf("durations = %+v, want 5 each", got)
	}
	if rec.unmatched != 0 || len(rec.timing) != 0 || len(rec.length) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", rec)
	}
}

func TestMatch_UnmatchedSendIsNonFatal(t *testing.T) {
	sent := map[match.Process][]match.Sent{
		1: {{Time: 10, Receiver: 2, Group: 0, Tag: 1, Length: 8}},
	}
	received := map[match.Process][]match.Received{}

	rec := &recorder{}
	msgs, err := match.Match(sent, received, rec)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(msgs[1]) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs[1]))
	}
	if rec.unmatched != 1 {
		t.Fatalf("unmatched = %d, want 1", rec.unmatched)
	}
}

func TestMatch_OrphanReceiveIsFatal(t *testing.T) {
	sent := map[match.Process][]match.Sent{}
	received := map[match.Process][]match.Received{
		2: {{Time: 15, Sender: 1, Group: 0, Tag: 1, Length: 8}},
	}

	_, err := match.Match(sent, received, nil)
	if !errors.Is(err, match.ErrOrphanReceive) {
		t.Fatalf("err = %v, want ErrOrphanReceive", err)
	}
}

func TestMatch_AnomaliesReported(t *testing.T) {
	sent := map[match.Process][]match.Sent{
		1: {{Time: 100, Receiver: 2, Group: 0, Tag: 1, Length: 64}},
	}
	received := map[match.Process][]match.Received{
		// receive observed before send started, and fewer bytes than sent
		2: {{Time: 50, Sender: 1, Group: 0, Tag: 1, Length: 32}},
	}

	rec := &recorder{}
	_, err := match.Match(sent, received, rec)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(rec.timing) != 1 || rec.timing[0] != 50 {
		t.Fatalf("timing anomalies = %v, want [50]", rec.timing)
	}
	if len(rec.length) != 1 || rec.length[0] != 32 {
		t.Fatalf("length anomalies = %v, want [32]", rec.length)
	}
}

func TestMatch_NilReporterDoesNotPanic(t *testing.T) {
	sent := map[match.Process][]match.Sent{
		1: {{Time: 10, Receiver: 2, Group: 0, Tag: 1, Length: 8}},
	}
	received := map[match.Process][]match.Received{}
	if _, err := match.Match(sent, received, nil); err != nil {
		t.Fatalf("Match: %v", err)
	}
}
