package rawtrace

import (
	"fmt"

	"github.com/hpctrace/rawtrace/internal/definitions"
	"github.com/hpctrace/rawtrace/internal/desugar"
)

// eventSink adapts one process's otfadapter.EventSink callbacks into the
// desugaring state machine and the RawTrace's sent/received lists. The
// otfadapter.EventSink interface methods return no error, so the first
// failure encountered is latched in err and surfaced by ReadEvents'
// caller once the callback-driven read completes.
type eventSink struct {
	rt       *RawTrace
	location definitions.Process
	err      error
}

func (s *eventSink) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *eventSink) emitSends(emitted []desugar.Emitted) {
	for _, e := range emitted {
		if err := s.rt.recordSend(e, s.location); err != nil {
			s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
			return
		}
	}
}

func (s *eventSink) emitReceives(emitted []desugar.Emitted) {
	for _, e := range emitted {
		if err := s.rt.recordReceive(e, s.location); err != nil {
			s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
			return
		}
	}
}

func (s *eventSink) Send(time int64, sender, receiver, group int64, tag int32, length int64) {
	s.emitSends(s.rt.desugarState.Send(int64(s.location), time, receiver, group, tag, length))
}

func (s *eventSink) Receive(time int64, receiver, sender, group int64, tag int32, length int64) {
	s.emitReceives(s.rt.desugarState.Receive(int64(s.location), time, sender, group, tag, length))
}

func (s *eventSink) Enter(time int64) {
	s.rt.observeTime(time)
}

func (s *eventSink) Leave(time int64) {
	s.rt.observeTime(time)
}

func (s *eventSink) ISend(time int64, sender, receiver, group int64, tag int32, length int64, requestID uint64) {
	s.rt.desugarState.Isend(int64(s.location), time, receiver, group, tag, length, requestID)
}

func (s *eventSink) ISendComplete(time int64, sender int64, requestID uint64) {
	emitted, err := s.rt.desugarState.IsendComplete(int64(s.location), requestID)
	if err != nil {
		s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
		return
	}
	s.emitSends(emitted)
}

func (s *eventSink) IRecvRequest(time int64, receiver int64, requestID uint64) {
	s.rt.desugarState.IrecvRequest(int64(s.location), requestID)
}

func (s *eventSink) IRecv(time int64, receiver, sender, group int64, tag int32, length int64, requestID uint64) {
	if err := s.rt.desugarState.Irecv(int64(s.location), time, sender, group, tag, length, requestID); err != nil {
		s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
		return
	}
	emitted, err := s.rt.desugarState.IrecvComplete(int64(s.location), requestID)
	if err != nil {
		s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
		return
	}
	s.emitReceives(emitted)
}

func (s *eventSink) RequestCancelled(time int64, location int64, requestID uint64) {
	emitted, wasSend, err := s.rt.desugarState.RequestCancelled(location, requestID)
	if err != nil {
		s.fail(fmt.Errorf("rawtrace: process %d: %w", s.location, err))
		return
	}
	if wasSend {
		s.emitSends(emitted)
	} else {
		s.emitReceives(emitted)
	}
}
