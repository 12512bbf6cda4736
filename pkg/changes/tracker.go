package changes

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/clock"
)

// DefaultCapacity bounds the change log during long editing sessions.
const DefaultCapacity = 100

// Tracker accumulates material board changes into a bounded log.
//
// When the log exceeds its capacity the oldest records are dropped and the
// tracker reports Overflowed until the dropped range is cleared; a caller
// seeing an overflowed log must fall back to a full-document save.
//
// Every record carries a sequence number. A saver takes Pending, sends the
// patches, and on confirmed success calls ClearThrough with the returned
// mark so that records appended while the save was in flight are kept.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   logrus.FieldLogger
	capacity int
	records  []Record
	lastSeq  uint64
	// droppedThrough is the sequence of the newest record dropped by the
	// capacity bound, or zero.
	droppedThrough uint64
}

// NewTracker creates a tracker holding at most capacity records.
func NewTracker(capacity int, clk clock.Clock) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:    clk,
		logger:   logrus.StandardLogger(),
		capacity: capacity,
	}
}

// SetLogger replaces the logger used for classification diagnostics.
func (t *Tracker) SetLogger(l logrus.FieldLogger) {
	t.mu.Lock()
	t.logger = l
	t.mu.Unlock()
}

// Record classifies raw editor events for target and appends the material
// ones. It returns how many records were appended.
func (t *Tracker) Record(target Target, events []Event) int {
	if len(events) == 0 {
		return 0
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	appended := 0
	for _, ev := range events {
		r, ok := t.classify(target, ev)
		if !ok {
			continue
		}
		r.Timestamp = now
		t.appendLocked(r)
		appended++
	}
	return appended
}

func (t *Tracker) classify(target Target, ev Event) (Record, bool) {
	switch ev.Type {
	case EventAdd:
		payload, err := toMap(ev.Item)
		if err != nil {
			t.logger.WithError(err).WithField("id", ev.ID).Warn("dropping unencodable add event")
			return Record{}, false
		}
		id := ev.ID
		if id == "" {
			id, _ = payload["id"].(string)
		}
		if id == "" {
			return Record{}, false
		}
		return Record{Kind: KindAdd, Target: target, ID: id, Payload: payload}, true

	case EventRemove:
		if ev.ID == "" {
			return Record{}, false
		}
		return Record{Kind: KindRemove, Target: target, ID: ev.ID}, true

	case EventPosition:
		if target != TargetNode || ev.ID == "" || ev.Position == nil {
			return Record{}, false
		}
		return Record{Kind: KindUpdate, Target: target, ID: ev.ID, Payload: map[string]any{
			"position": map[string]any{"x": ev.Position.X, "y": ev.Position.Y},
		}}, true

	case EventDimensions:
		if target != TargetNode || ev.ID == "" || ev.Dimensions == nil {
			return Record{}, false
		}
		return Record{Kind: KindUpdate, Target: target, ID: ev.ID, Payload: map[string]any{
			"width":  ev.Dimensions.Width,
			"height": ev.Dimensions.Height,
		}}, true

	default:
		// select, replace, reset and unknown types are UI-only.
		return Record{}, false
	}
}

// RecordFieldUpdate appends a direct field update, such as a card text edit
// or an edge label change.
func (t *Tracker) RecordFieldUpdate(target Target, id string, fields map[string]any) {
	if id == "" || len(fields) == 0 {
		return
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(Record{
		Kind:      KindUpdate,
		Target:    target,
		ID:        id,
		Payload:   copyMap(fields),
		Timestamp: now,
	})
}

func (t *Tracker) appendLocked(r Record) {
	t.lastSeq++
	r.seq = t.lastSeq
	t.records = append(t.records, r)

	if over := len(t.records) - t.capacity; over > 0 {
		t.droppedThrough = t.records[over-1].seq
		kept := make([]Record, t.capacity)
		copy(kept, t.records[over:])
		t.records = kept
	}
}

// Records returns a copy of the raw log.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	for i, r := range t.records {
		out[i] = r
		out[i].Payload = copyMap(r.Payload)
	}
	return out
}

// Count returns the number of records in the log.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Overflowed reports whether records were dropped since the last clear.
func (t *Tracker) Overflowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.droppedThrough > 0
}

// Merged collapses the log into patches. See Merge.
func (t *Tracker) Merged() []Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Merge(t.records)
}

// Pending returns the merged patches together with the mark to pass to
// ClearThrough once they are saved, and whether the log has overflowed.
func (t *Tracker) Pending() (patches []Patch, mark uint64, overflowed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Merge(t.records), t.lastSeq, t.droppedThrough > 0
}

// Mark returns the sequence of the newest record.
func (t *Tracker) Mark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// ClearThrough removes every record up to and including mark.
func (t *Tracker) ClearThrough(mark uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.records[:0:0]
	for _, r := range t.records {
		if r.seq > mark {
			kept = append(kept, r)
		}
	}
	t.records = kept
	if t.droppedThrough <= mark {
		t.droppedThrough = 0
	}
}

// Clear empties the log.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.droppedThrough = 0
}
