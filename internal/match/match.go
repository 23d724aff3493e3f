// Package match implements the two algorithms that turn a raw trace
// (per-process sent/received message lists, plus a parent map) into an
// ordered trace of matched point-to-point messages:
//
//   - Order builds a stable, deterministic preorder over the process
//     hierarchy for display and iteration.
//   - Match pairs every receive with the send that produced it, by
//     (sender, receiver, group, tag) FIFO order, reporting anomalies
//     along the way.
package match

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOrphanReceive is returned when, after every send has been matched,
// at least one receive queue still has unconsumed entries: more messages
// were received on a key than were ever sent on it.
var ErrOrphanReceive = errors.New("match: receive has no matching send")

type Process int64
type Group int64
type Tag int32

// Sent is one message as observed leaving its sender, in issue order.
type Sent struct {
	Time     int64
	Receiver Process
	Group    Group
	Tag      Tag
	Length   int64
}

// Received is one message as observed arriving at its receiver, in
// issue order.
type Received struct {
	Time   int64
	Sender Process
	Group  Group
	Tag    Tag
	Length int64
}

// Message is one matched point-to-point transfer.
type Message struct {
	SendTime int64
	Duration int64
	Receiver Process
	Length   int64
}

// Key identifies one FIFO matching channel.
type Key struct {
	Sender   Process
	Receiver Process
	Group    Group
	Tag      Tag
}

func (k Key) String() string {
	return fmt.Sprintf("sender %d, receiver %d, group %d, tag %d", k.Sender, k.Receiver, k.Group, k.Tag)
}

func (k Key) less(o Key) bool {
	if k.Sender != o.Sender {
		return k.Sender < o.Sender
	}
	if k.Receiver != o.Receiver {
		return k.Receiver < o.Receiver
	}
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Tag < o.Tag
}

// Reporter receives the non-fatal diagnostics produced while matching.
// A nil method value on a no-op Reporter is fine; callers that don't care
// can embed a struct with empty methods.
type Reporter interface {
	TimingAnomaly(key Key, deltaTicks int64)
	LengthAnomaly(key Key, sent, received int64)
	UnmatchedSend(key Key, count int)
}

// discardReporter drops every diagnostic; used when the caller passes nil.
type discardReporter struct{}

func (discardReporter) TimingAnomaly(Key, int64)     {}
func (discardReporter) LengthAnomaly(Key, int64, int64) {}
func (discardReporter) UnmatchedSend(Key, int)       {}

// Order returns a deterministic preorder traversal of the process forest
// described by parents (child -> parent), mirroring the original's single
// ascending-ID sweep: each sibling list is visited in ID order, but which
// ID becomes a given subtree's top-level entry depends on traversal order,
// not on which processes are truly parent-less. A process whose own ID
// sorts below its parent's is reached by the sweep first and emitted as a
// leading top-level entry; its parent's later recursion then finds it
// already added and skips it. Processes reachable only through a
// non-tree edge (e.g. a cycle, or a parent not itself present in
// processes) are still visited exactly once, in ID order.
func Order(processes []Process, parents map[Process]Process) []Process {
	children := make(map[Process][]Process)
	for child, parent := range parents {
		children[parent] = append(children[parent], child)
	}
	for p := range children {
		sort.Slice(children[p], func(i, j int) bool { return children[p][i] < children[p][j] })
	}

	sorted := make([]Process, len(processes))
	copy(sorted, processes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	added := make(map[Process]bool, len(sorted))
	var ordered []Process

	var visit func(p Process)
	visit = func(p Process) {
		if added[p] {
			return
		}
		added[p] = true
		ordered = append(ordered, p)
		for _, c := range children[p] {
			visit(c)
		}
	}

	for _, p := range sorted {
		visit(p)
	}

	return ordered
}

// Match pairs every Sent message against the Received message it
// produced, returning the matched Messages bucketed by sender, each
// sender's list in issue order. sent and received are keyed by the
// process that issued them.
//
// Matching is strict FIFO per Key: for every key, the N-th send is paired
// with the N-th receive, regardless of how their timestamps compare (a
// timing anomaly is reported, not corrected). A send with no receive left
// in its key's queue is reported as an unmatched send and dropped,
// non-fatally. Any receive left unconsumed once every sender has been
// drained means more receives were recorded than sends: that is
// ErrOrphanReceive, a fatal condition.
func Match(sent map[Process][]Sent, received map[Process][]Received, reporter Reporter) (map[Process][]Message, error) {
	if reporter == nil {
		reporter = discardReporter{}
	}

	queues := make(map[Key][]queuedReceive)
	for receiver, msgs := range received {
		for _, r := range msgs {
			k := Key{Sender: r.sender(), Receiver: receiver, Group: r.Group, Tag: r.Tag}
			queues[k] = append(queues[k], queuedReceive{time: r.Time, length: r.Length})
		}
	}

	var senders []Process
	for s := range sent {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	unmatched := make(map[Key]int)
	out := make(map[Process][]Message)

	for _, sender := range senders {
		for _, s := range sent[sender] {
			k := Key{Sender: sender, Receiver: s.Receiver, Group: s.Group, Tag: s.Tag}
			q := queues[k]
			if len(q) == 0 {
				unmatched[k]++
				continue
			}
			r := q[0]
			queues[k] = q[1:]
			if len(queues[k]) == 0 {
				delete(queues, k)
			}

			if s.Time > r.time {
				reporter.TimingAnomaly(k, s.Time-r.time)
			}
			if s.Length > r.length {
				reporter.LengthAnomaly(k, s.Length, r.length)
			}

			out[sender] = append(out[sender], Message{
				SendTime: s.Time,
				Duration: r.time - s.Time,
				Receiver: s.Receiver,
				Length:   s.Length,
			})
		}
	}

	for k, n := range unmatched {
		reporter.UnmatchedSend(k, n)
	}

	if len(queues) > 0 {
		keys := make([]Key, 0, len(queues))
		for k := range queues {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
		return out, fmt.Errorf("%w: %s", ErrOrphanReceive, keys[0])
	}

	return out, nil
}

type queuedReceive struct {
	time   int64
	length int64
}

// sender exists so Received can be keyed symmetrically to Sent without
// exporting a field named differently across both types.
func (r Received) sender() Process { return r.Sender }
