// Package events records the node's audit trail: proof ingestion,
// consensus milestones, and terminal state transitions. The spec treats
// the event sink as an injected collaborator (a former process-global
// singleton in the source system) rather than a core dependency, so it
// is defined here as a narrow interface with two implementations: a
// durable pebble-backed log and an in-memory recorder for tests.
package events

import (
	"fmt"
)

// Well-known event type tags emitted by the task pipeline.
const (
	ProofReceived         = "PROOF_RECEIVED"
	ProofRejected         = "PROOF_REJECTED"
	ProofDuplicate        = "PROOF_DUPLICATE"
	ConsensusQueued       = "CONSENSUS_QUEUED"
	ConsensusReachNormal  = "CONSENSUS_REACH_NORMAL"
	ConsensusReachConflict = "CONSENSUS_REACH_CONFLICT"
	SupplementaryReceived = "SUPPLEMENTARY_RECEIVED"
	SupplementaryResolved = "SUPPLEMENTARY_RESOLVED"
	SupplementaryTimeout  = "SUPPLEMENTARY_TIMEOUT"
	TaskExpired           = "TASK_EXPIRED"
)

// Event is one audit record. Detail is a small, JSON-serializable bag of
// extra context (conflict reason, resolvedBy, error message, ...).
type Event struct {
	TaskID    string                 `json:"taskId"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Sink is the recording interface the task pipeline depends on.
type Sink interface {
	Record(e Event)
}

// MultiSink fans every event out to each of its members, in order. It
// lets a node wire a durable sink and the WebSocket push sink (or any
// other observer) behind the single Sink the pipeline holds.
type MultiSink []Sink

func (m MultiSink) Record(e Event) {
	for _, sink := range m {
		sink.Record(e)
	}
}

var _ Sink = MultiSink(nil)

// New builds an Event with the given taskId, type and timestamp.
func New(taskID, eventType string, timestampMs int64, detail map[string]interface{}) Event {
	return Event{TaskID: taskID, Type: eventType, Timestamp: timestampMs, Detail: detail}
}

func (e Event) String() string {
	return fmt.Sprintf("%s task=%s ts=%d detail=%v", e.Type, e.TaskID, e.Timestamp, e.Detail)
}
