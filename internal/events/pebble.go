package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// key schema: evt:<taskId>:<20-digit zero-padded global sequence>
const eventPrefix = "evt:"

func eventKey(taskID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", eventPrefix, taskID, seq))
}

func taskPrefix(taskID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", eventPrefix, taskID))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// PebbleSink is an append-only, durable audit log keyed by task and a
// monotonic global sequence so that a per-task scan returns events in
// recording order.
type PebbleSink struct {
	db  *pebble.DB
	seq int64
}

// NewPebbleSink opens (or creates) a pebble database at path to use as
// the event log.
func NewPebbleSink(path string) (*PebbleSink, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	s := &PebbleSink{db: db}

	// Resume the global sequence after the highest one already stored, so
	// reopening an existing log appends instead of overwriting old keys.
	prefix := []byte(eventPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if k := iter.Key(); len(k) >= 20 {
			if n, err := strconv.ParseInt(string(k[len(k)-20:]), 10, 64); err == nil && n > s.seq {
				s.seq = n
			}
		}
	}
	iter.Close()
	return s, nil
}

func (s *PebbleSink) Close() error { return s.db.Close() }

// Record appends an event. Marshal and pebble write errors are silently
// dropped by contract (events are an audit trail, not a source of truth for
// task state — the spec's propagation policy never lets an ambient
// collaborator fail the core operation it's recording).
func (s *PebbleSink) Record(e Event) {
	seq := atomic.AddInt64(&s.seq, 1)
	val, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = s.db.Set(eventKey(e.TaskID, seq), val, pebble.NoSync)
}

// ForTask returns every recorded event for a task, oldest first.
func (s *PebbleSink) ForTask(taskID string) ([]Event, error) {
	prefix := taskPrefix(taskID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Sink = (*PebbleSink)(nil)
