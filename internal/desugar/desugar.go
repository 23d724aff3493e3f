// Package desugar converts non-blocking MPI send/receive sequences
// (Isend/IsendComplete, IrecvRequest/Irecv, RequestCancelled) into the
// ordered blocking-style Send/Receive events the matcher consumes.
//
// Each location keeps its own FIFO of outstanding non-blocking requests.
// An Isend is appended to the tail of the FIFO without emitting anything;
// only when its matching Complete event arrives does it (and anything
// that queued up behind it) get emitted, in issue order. A completion
// that isn't at the head of the FIFO instead merges its pending sends
// into the predecessor's queue, preserving order for whenever the head
// eventually completes. Receive-side IrecvRequest/Irecv/Complete follow
// the identical shape.
package desugar

import "fmt"

// Emitted is one desugared blocking-style message, produced in emission
// order (which may lag the original event order, since a send is only
// emitted once its completion is observed).
type Emitted struct {
	Time     int64
	Peer     int64 // receiver for a send, sender for a receive
	Group    int64
	Tag      int32
	Length   int64
}

type pendingSend struct {
	requestID uint64
	send      Emitted
	blocked   []Emitted
}

type pendingRecv struct {
	requestID uint64
	recv      Emitted
	blocked   []Emitted
}

// State holds the non-blocking FIFOs for every location touched so far.
// Construct it with NewState; the zero value has nil maps and is not
// usable.
type State struct {
	isends        map[int64][]pendingSend
	irecvRequests map[int64][]pendingRecv
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		isends:        make(map[int64][]pendingSend),
		irecvRequests: make(map[int64][]pendingRecv),
	}
}

// Isend records a non-blocking send. It never emits by itself; emission
// happens when the matching IsendComplete arrives. A RequestCancelled for
// it removes it without ever emitting it.
func (s *State) Isend(location int64, time int64, peer, group int64, tag int32, length int64, requestID uint64) {
	s.isends[location] = append(s.isends[location], pendingSend{
		requestID: requestID,
		send:      Emitted{Time: time, Peer: peer, Group: group, Tag: tag, Length: length},
	})
}

// IsendComplete completes the Isend with the given requestID, returning
// every blocking-style send that can now be emitted in order. If the
// completed request is not at the head of the FIFO, nothing is emitted
// yet: its send and any sends already blocked behind it are merged into
// the FIFO entry ahead of it.
func (s *State) IsendComplete(location int64, requestID uint64) ([]Emitted, error) {
	queue := s.isends[location]
	idx := indexOfSend(queue, requestID)
	if idx < 0 {
		return nil, fmt.Errorf("desugar: location %d: no outstanding isend with request %d", location, requestID)
	}

	entry := queue[idx]
	if idx == 0 {
		emitted := append([]Emitted{entry.send}, entry.blocked...)
		s.isends[location] = append(queue[:0:0], queue[1:]...)
		return emitted, nil
	}

	merged := append([]Emitted{entry.send}, entry.blocked...)
	queue[idx-1].blocked = append(queue[idx-1].blocked, merged...)
	s.isends[location] = append(queue[:idx], queue[idx+1:]...)
	return nil, nil
}

// Send handles a blocking send while sends may already be queued behind
// an outstanding isend at this location: if the location's isend FIFO is
// non-empty, the send is appended to the tail entry's blocked list
// instead of being emitted immediately, preserving issue order relative
// to the outstanding non-blocking operation.
func (s *State) Send(location int64, time int64, peer, group int64, tag int32, length int64) []Emitted {
	e := Emitted{Time: time, Peer: peer, Group: group, Tag: tag, Length: length}
	queue := s.isends[location]
	if len(queue) == 0 {
		return []Emitted{e}
	}
	last := len(queue) - 1
	queue[last].blocked = append(queue[last].blocked, e)
	return nil
}

// IrecvRequest records a non-blocking receive request (MPI_Irecv without
// a matching buffer/length yet known — the length arrives with the
// completing Irecv event).
func (s *State) IrecvRequest(location int64, requestID uint64) {
	s.irecvRequests[location] = append(s.irecvRequests[location], pendingRecv{requestID: requestID})
}

// Irecv fills in the receive payload for an outstanding IrecvRequest.
func (s *State) Irecv(location int64, time int64, peer, group int64, tag int32, length int64, requestID uint64) error {
	queue := s.irecvRequests[location]
	idx := indexOfRecv(queue, requestID)
	if idx < 0 {
		return fmt.Errorf("desugar: location %d: no outstanding irecv request %d", location, requestID)
	}
	queue[idx].recv = Emitted{Time: time, Peer: peer, Group: group, Tag: tag, Length: length}
	return nil
}

// IrecvComplete completes (drains) the irecv request with the given
// requestID, mirroring IsendComplete on the receive side. It is driven by
// the same wait/test completion event the original emits once the
// request is known to be satisfied.
func (s *State) IrecvComplete(location int64, requestID uint64) ([]Emitted, error) {
	queue := s.irecvRequests[location]
	idx := indexOfRecv(queue, requestID)
	if idx < 0 {
		return nil, fmt.Errorf("desugar: location %d: no outstanding irecv request %d", location, requestID)
	}

	entry := queue[idx]
	if idx == 0 {
		emitted := append([]Emitted{entry.recv}, entry.blocked...)
		s.irecvRequests[location] = append(queue[:0:0], queue[1:]...)
		return emitted, nil
	}

	merged := append([]Emitted{entry.recv}, entry.blocked...)
	queue[idx-1].blocked = append(queue[idx-1].blocked, merged...)
	s.irecvRequests[location] = append(queue[:idx], queue[idx+1:]...)
	return nil, nil
}

// Receive handles a blocking receive the same way Send handles a
// blocking send, relative to outstanding irecv requests at this
// location.
func (s *State) Receive(location int64, time int64, peer, group int64, tag int32, length int64) []Emitted {
	e := Emitted{Time: time, Peer: peer, Group: group, Tag: tag, Length: length}
	queue := s.irecvRequests[location]
	if len(queue) == 0 {
		return []Emitted{e}
	}
	last := len(queue) - 1
	queue[last].blocked = append(queue[last].blocked, e)
	return nil
}

// RequestCancelled drains the named request out of whichever FIFO (send
// or receive) it belongs to, without ever emitting the cancelled
// operation itself — only the operations already queued behind it, per
// the same head-vs-merge rule as a normal completion. wasSend reports
// which FIFO the request was drained from, so the caller knows whether
// the returned Emitted values are sends or receives. It is an error for
// the requestID to be outstanding in both FIFOs, and an error for it to
// be outstanding in neither.
func (s *State) RequestCancelled(location int64, requestID uint64) (emitted []Emitted, wasSend bool, err error) {
	sendQueue := s.isends[location]
	sendIdx := indexOfSend(sendQueue, requestID)
	recvQueue := s.irecvRequests[location]
	recvIdx := indexOfRecv(recvQueue, requestID)

	if sendIdx >= 0 && recvIdx >= 0 {
		return nil, false, fmt.Errorf("desugar: location %d: request %d outstanding in both send and receive FIFOs", location, requestID)
	}

	switch {
	case sendIdx >= 0:
		entry := sendQueue[sendIdx]
		if sendIdx == 0 {
			s.isends[location] = append(sendQueue[:0:0], sendQueue[1:]...)
			return entry.blocked, true, nil
		}
		sendQueue[sendIdx-1].blocked = append(sendQueue[sendIdx-1].blocked, entry.blocked...)
		s.isends[location] = append(sendQueue[:sendIdx], sendQueue[sendIdx+1:]...)
		return nil, true, nil

	case recvIdx >= 0:
		entry := recvQueue[recvIdx]
		if recvIdx == 0 {
			s.irecvRequests[location] = append(recvQueue[:0:0], recvQueue[1:]...)
			return entry.blocked, false, nil
		}
		recvQueue[recvIdx-1].blocked = append(recvQueue[recvIdx-1].blocked, entry.blocked...)
		s.irecvRequests[location] = append(recvQueue[:recvIdx], recvQueue[recvIdx+1:]...)
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("desugar: location %d: no outstanding request %d to cancel", location, requestID)
	}
}

// Dangling reports the number of outstanding, never-completed requests
// left in each FIFO for location, for diagnostic reporting at trace-load
// end. It does not mutate state.
func (s *State) Dangling(location int64) (isends, irecvs int) {
	return len(s.isends[location]), len(s.irecvRequests[location])
}

// Locations returns every location that has ever had a non-blocking
// operation recorded against it, regardless of whether its FIFO is
// currently empty.
func (s *State) Locations() []int64 {
	seen := make(map[int64]bool)
	for loc := range s.isends {
		seen[loc] = true
	}
	for loc := range s.irecvRequests {
		seen[loc] = true
	}
	out := make([]int64, 0, len(seen))
	for loc := range seen {
		out = append(out, loc)
	}
	return out
}

func indexOfSend(queue []pendingSend, requestID uint64) int {
	for i, e := range queue {
		if e.requestID == requestID {
			return i
		}
	}
	return -1
}

func indexOfRecv(queue []pendingRecv, requestID uint64) int {
	for i, e := range queue {
		if e.requestID == requestID {
			return i
		}
	}
	return -1
}
