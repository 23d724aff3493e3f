// Package otfadapter provides the uniform, callback-driven reading
// interface used to ingest either an OTF1 master-trace file or an OTF2
// anchor file.
//
// # Variant detection
//
// Open does not itself decode any bytes. It tries the OTF1 RawDecoder
// first, then the OTF2 RawDecoder; the first one to accept the path wins
// and its Kind is carried on the returned Handle. If both decoders refuse
// the path, Open fails with ErrInvalidTrace. This mirrors Otf_open in the
// reference implementation, which probes OTF_Reader_open before falling
// back to OTF2_Reader_Open.
//
// # Decoder injection
//
// The actual OTF1/OTF2 byte-stream decoders are third-party libraries
// consumed through a fixed callback interface; this package does not
// reimplement their wire formats. RawDecoder/RawHandle are the seam a real
// binding would fill in. Callers that only need to exercise the matching
// and desugaring algorithms (tests, the scenario fixtures in
// internal/rawtrace) use the in-memory decoder in the sibling testdecoder
// package.
package otfadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind identifies which trace format a Handle was opened against.
type Kind int

const (
	KindUnknown Kind = iota
	KindOTF1
	KindOTF2
)

func (k Kind) String() string {
	switch k {
	case KindOTF1:
		return "OTF1"
	case KindOTF2:
		return "OTF2"
	default:
		return "unknown"
	}
}

// ErrInvalidTrace is returned when neither the OTF1 nor the OTF2 decoder
// can open the path at all.
var ErrInvalidTrace = errors.New("otfadapter: neither OTF1 nor OTF2 could open the trace")

// ErrNotThisFormat is the sentinel a RawDecoder returns from Open when the
// path is simply not in its format — as opposed to a transient I/O error,
// which Open retries before moving on to the next decoder.
var ErrNotThisFormat = errors.New("otfadapter: path is not in this decoder's format")

// GroupType and Paradigm mirror the subset of OTF2 definition-record enums
// this engine cares about (spec §4.2: COMM_LOCATIONS group, MPI paradigm).
type GroupType int

const (
	GroupTypeUnknown GroupType = iota
	GroupTypeCommLocations
	GroupTypeOther
)

type Paradigm int

const (
	ParadigmUnknown Paradigm = iota
	ParadigmMPI
	ParadigmOther
)

// DefSink receives definition records while ReadDefinitions is running.
// Implementations must not retain slices passed to OTF2Group beyond the call.
type DefSink interface {
	// OTF1Process is emitted once per DefProcess record. parent == 0
	// denotes "no parent" on the OTF1 wire, already translated from the
	// decoder's native sentinel.
	OTF1Process(id, parent int64, name string)

	// OTF2Location is emitted once per non-metric location. name is a
	// string reference that is not yet resolved to text; locationGroup is
	// the location's owning location-group ID. isMetric locations are
	// never emitted to this sink — decoders filter them before calling.
	OTF2Location(location int64, nameStringRef int64, locationGroup int64)

	// OTF2String resolves a string reference to its text.
	OTF2String(ref int64, value string)

	// OTF2Group records a group's ordered local-rank -> world-rank
	// membership table along with its type/paradigm.
	OTF2Group(ref int64, groupType GroupType, paradigm Paradigm, members []int64)

	// OTF2Comm records a communicator's group reference.
	OTF2Comm(ref int64, group int64)
}

// EventSink receives event records while ReadEvents is running, for
// exactly one selected process/location at a time.
type EventSink interface {
	Send(time int64, sender, receiver, group int64, tag int32, length int64)
	Receive(time int64, receiver, sender, group int64, tag int32, length int64)
	Enter(time int64)
	Leave(time int64)

	ISend(time int64, sender, receiver, group int64, tag int32, length int64, requestID uint64)
	ISendComplete(time int64, sender int64, requestID uint64)
	IRecvRequest(time int64, receiver int64, requestID uint64)
	IRecv(time int64, receiver, sender, group int64, tag int32, length int64, requestID uint64)
	RequestCancelled(time int64, location int64, requestID uint64)
}

// RawDecoder is implemented by a third-party OTF1 or OTF2 byte-stream
// reader. rawtrace depends only on this interface; it never parses wire
// bytes itself.
type RawDecoder interface {
	// Open attempts to open path in this decoder's format. It returns
	// ErrNotThisFormat (or an error wrapping it) if path is simply not in
	// this format, so that Open can move on to the other decoder without
	// retrying.
	Open(path string) (RawHandle, error)
}

// RawHandle is the open decoder handle for one trace file.
type RawHandle interface {
	ReadDefinitions(sink DefSink) error
	SelectProcess(p int64) error
	ReadEvents(sink EventSink) error
	Close() error
}

// Handle is the uniform handle returned by Open. It carries the detected
// Kind alongside the underlying decoder-specific RawHandle.
type Handle struct {
	kind Kind
	raw  RawHandle
}

// Kind reports which variant this Handle was opened against.
func (h *Handle) Kind() Kind { return h.kind }

// ReadDefinitions drives the handle's definition records through sink.
func (h *Handle) ReadDefinitions(sink DefSink) error {
	if err := h.raw.ReadDefinitions(sink); err != nil {
		return fmt.Errorf("otfadapter: read definitions: %w", err)
	}
	return nil
}

// SelectProcess restricts subsequent ReadEvents calls to process p's
// events. It must be called before ReadEvents for that process.
func (h *Handle) SelectProcess(p int64) error {
	if err := h.raw.SelectProcess(p); err != nil {
		return fmt.Errorf("otfadapter: select process %d: %w", p, err)
	}
	return nil
}

// ReadEvents drives the currently selected process's event records
// through sink.
func (h *Handle) ReadEvents(sink EventSink) error {
	if err := h.raw.ReadEvents(sink); err != nil {
		return fmt.Errorf("otfadapter: read events: %w", err)
	}
	return nil
}

// Close releases the underlying decoder handle. It is safe to call Close
// on every exit path; a nil raw handle (Open never succeeded) is a no-op.
func (h *Handle) Close() error {
	if h == nil || h.raw == nil {
		return nil
	}
	if err := h.raw.Close(); err != nil {
		return fmt.Errorf("otfadapter: close: %w", err)
	}
	return nil
}

// Open detects whether path is an OTF1 or OTF2 trace and returns a Handle
// bound to whichever decoder accepted it, trying otf1 first. Transient
// errors from a decoder's Open are retried with bounded backoff before
// falling through to the next decoder (or to ErrInvalidTrace).
func Open(path string, otf1, otf2 RawDecoder) (*Handle, error) {
	// Try OTF1 first; any failure (including an exhausted transient retry)
	// falls through to OTF2, per Otf_open. Only failing both is fatal.
	if raw, err := openWithRetry(otf1, path); err == nil {
		return &Handle{kind: KindOTF1, raw: raw}, nil
	}

	if raw, err := openWithRetry(otf2, path); err == nil {
		return &Handle{kind: KindOTF2, raw: raw}, nil
	}

	return nil, fmt.Errorf("otfadapter: open %q: %w", path, ErrInvalidTrace)
}

// isTransient reports whether err is worth retrying: anything other than
// the decoder's own "not my format" verdict.
func isTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrNotThisFormat)
}

// openWithRetry calls dec.Open(path), retrying with bounded exponential
// backoff only while the error looks transient (e.g. the file was still
// being flushed by the writing MPI job). A definitive ErrNotThisFormat is
// never retried.
func openWithRetry(dec RawDecoder, path string) (RawHandle, error) {
	var raw RawHandle

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 1 * time.Second

	op := func() error {
		h, err := dec.Open(path)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = h
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, context.Background())); err != nil {
		return nil, err
	}
	return raw, nil
}
