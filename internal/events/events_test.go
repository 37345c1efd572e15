package events

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemorySink_RecordAndFilter(t *testing.T) {
	sink := NewMemorySink()
	sink.Record(New("task-A", ProofReceived, 100, nil))
	sink.Record(New("task-B", ProofReceived, 101, nil))
	sink.Record(New("task-A", ConsensusReachNormal, 102, map[string]interface{}{"seq": 1}))

	all := sink.All()
	if len(all) != 3 {
		t.Fatalf("All() = %d events, want 3", len(all))
	}

	forA := sink.ForTask("task-A")
	if len(forA) != 2 {
		t.Fatalf("ForTask(task-A) = %d events, want 2", len(forA))
	}
	if forA[0].Type != ProofReceived || forA[1].Type != ConsensusReachNormal {
		t.Errorf("ForTask(task-A) = %+v, want ordered [ProofReceived, ConsensusReachNormal]", forA)
	}
}

func TestPebbleSink_RecordAndFilter(t *testing.T) {
	dir, err := os.MkdirTemp("", "events-pebble-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	sink, err := NewPebbleSink(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("NewPebbleSink: %v", err)
	}
	defer sink.Close()

	sink.Record(New("task-A", ProofReceived, 100, nil))
	sink.Record(New("task-A", ConsensusReachNormal, 101, nil))
	sink.Record(New("task-B", ProofReceived, 102, nil))

	got, err := sink.ForTask("task-A")
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForTask(task-A) = %d events, want 2", len(got))
	}
	if got[0].Type != ProofReceived || got[1].Type != ConsensusReachNormal {
		t.Errorf("ForTask(task-A) = %+v, want ordered events", got)
	}
}
