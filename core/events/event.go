package events

import (
	"strings"
	"sync"

	"wagerchain/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their canonical
// attribute map.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans an event out to every configured emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Record is a sequenced copy of an emitted payload.
type Record struct {
	Sequence int64
	Event    *types.Event
}

// Recorder keeps the most recent payload events in memory so read APIs can
// page through them. Events without a payload are ignored.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	next     int64
	records  []Record
}

// NewRecorder returns a recorder bounded to capacity entries. A non-positive
// capacity defaults to 1024.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Recorder{capacity: capacity}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok || r == nil {
		return
	}
	rendered := payload.Event()
	if rendered == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Sequence: r.next, Event: rendered.Clone()})
	r.next++
	if overflow := len(r.records) - r.capacity; overflow > 0 {
		r.records = append([]Record(nil), r.records[overflow:]...)
	}
}

// List returns up to limit records whose type starts with prefix, oldest
// first. A non-positive limit returns every match.
func (r *Recorder) List(prefix string, limit int) []Record {
	if r == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if prefix != "" && !strings.HasPrefix(rec.Event.Type, prefix) {
			continue
		}
		out = append(out, Record{Sequence: rec.Sequence, Event: rec.Event.Clone()})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
