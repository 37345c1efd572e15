package pbft

import (
	"testing"

	"github.com/WuDi329/one-node-committee/internal/qos"
)

func sampleProof(taskID string) qos.QoSProof {
	return qos.QoSProof{
		TaskID:     taskID,
		VerifierID: "v1",
		Timestamp:  1,
		MediaSpecs: qos.MediaSpecs{Codec: "h264", Width: 1920, Height: 1080, Bitrate: 5000, HasAudio: true},
		VideoQualityData: qos.VideoQualityData{
			OverallScore: 85.5,
			GOPScores:    map[string]string{"0": "86.2"},
		},
		Signature: "0xsig",
	}
}

// network wires a handful of Engines together and replays the exact
// dispatch rule described for the task pipeline (4.3.3): a PrePrepare's
// returned Prepare is broadcast and fed back into the sender's own
// HandlePrepare, and so on down the chain.
type network struct {
	nodes []*Engine
}

func (n *network) broadcastPrePrepare(from *Engine, msg *Message) {
	if msg == nil {
		return
	}
	for _, e := range n.nodes {
		prepare := e.HandlePrePrepare(*msg)
		if prepare != nil {
			n.broadcastPrepare(e, prepare)
		}
	}
}

func (n *network) broadcastPrepare(from *Engine, msg *Message) {
	if msg == nil {
		return
	}
	for _, e := range n.nodes {
		commit := e.HandlePrepare(*msg)
		if commit != nil {
			n.broadcastCommit(e, commit)
		}
	}
}

func (n *network) broadcastCommit(from *Engine, msg *Message) {
	if msg == nil {
		return
	}
	for _, e := range n.nodes {
		e.HandleCommit(*msg)
	}
}

func newCommittee(t *testing.T, size int, onCommit []*[]qos.QoSProof) []*Engine {
	t.Helper()
	engines := make([]*Engine, size)
	for i := 0; i < size; i++ {
		idx := i
		engines[i] = NewEngine(
			nodeName(idx),
			idx == 0,
			size,
			func(proof qos.QoSProof, ctype ConsensusType) {
				*onCommit[idx] = append(*onCommit[idx], proof)
			},
			nil,
			nil,
		)
	}
	return engines
}

func nodeName(i int) string {
	return []string{"node-1", "node-2", "node-3", "node-4", "node-5", "node-6", "node-7"}[i]
}

func TestEngine_HappyPath_N4(t *testing.T) {
	committed := make([]*[]qos.QoSProof, 4)
	for i := range committed {
		committed[i] = &[]qos.QoSProof{}
	}
	engines := newCommittee(t, 4, committed)
	net := &network{nodes: engines}

	leader := engines[0]
	proof := sampleProof("task-A")
	prePrepare := leader.StartConsensus(proof, Normal)
	if prePrepare == nil {
		t.Fatal("StartConsensus returned nil")
	}

	net.broadcastPrePrepare(leader, prePrepare)

	for i, e := range engines {
		if e.State() != Idle {
			t.Errorf("node %d final state = %v, want Idle", i, e.State())
		}
		if !e.IsCompleted(1) {
			t.Errorf("node %d did not complete sequence 1", i)
		}
		if len(*committed[i]) != 1 || (*committed[i])[0].TaskID != "task-A" {
			t.Errorf("node %d onConsensusReached = %v, want one task-A commit", i, *committed[i])
		}
	}
}

func TestEngine_InsufficientQuorum(t *testing.T) {
	// Leader and one follower get both proofs (simulated by them both
	// fully participating); two other followers never see any message
	// at all, simulating lost attestations rather than lost votes.
	committed := make([]*[]qos.QoSProof, 4)
	for i := range committed {
		committed[i] = &[]qos.QoSProof{}
	}
	engines := newCommittee(t, 4, committed)

	leader := engines[0]
	proof := sampleProof("task-B")
	prePrepare := leader.StartConsensus(proof, Normal)

	// Only leader and node-2 participate; node-3 and node-4 are excluded
	// from the simulated network entirely (they never reach Consensus).
	partial := &network{nodes: []*Engine{engines[0], engines[1]}}
	partial.broadcastPrePrepare(leader, prePrepare)

	if leader.State() == Idle {
		t.Errorf("leader reached Idle/committed with only 2 of 4 votes (tau=3)")
	}
	if leader.IsCompleted(1) {
		t.Error("leader should not have completed sequence 1 with insufficient quorum")
	}
}

func TestEngine_ByzantineFaultTolerance_N7(t *testing.T) {
	committed := make([]*[]qos.QoSProof, 7)
	for i := range committed {
		committed[i] = &[]qos.QoSProof{}
	}
	engines := newCommittee(t, 7, committed)

	leader := engines[0]
	proof := sampleProof("task-C")
	prePrepare := leader.StartConsensus(proof, Normal)

	// Five active nodes (leader + 4 followers); two followers never
	// receive any attestation and are excluded from the network.
	active := &network{nodes: engines[:5]}
	active.broadcastPrePrepare(leader, prePrepare)

	for i := 0; i < 5; i++ {
		if !engines[i].IsCompleted(1) {
			t.Errorf("active node %d did not finalize sequence 1", i)
		}
	}
	for i := 5; i < 7; i++ {
		if engines[i].State() != Idle || engines[i].IsCompleted(1) {
			t.Errorf("absent node %d unexpectedly advanced", i)
		}
	}
}

func TestEngine_CompletedSequenceSuppressesLateMessages(t *testing.T) {
	committed := make([]*[]qos.QoSProof, 4)
	for i := range committed {
		committed[i] = &[]qos.QoSProof{}
	}
	engines := newCommittee(t, 4, committed)
	net := &network{nodes: engines}

	leader := engines[0]
	proof := sampleProof("task-D")
	prePrepare := leader.StartConsensus(proof, Normal)
	net.broadcastPrePrepare(leader, prePrepare)

	// A stray late Prepare for the now-completed sequence must be a
	// silent no-op, not a panic or a state change.
	late := Message{Type: TypePrepare, ViewNumber: 0, SequenceNumber: 1, NodeID: "node-4", TaskID: "task-D"}
	if got := leader.HandlePrepare(late); got != nil {
		t.Errorf("HandlePrepare on completed sequence returned %+v, want nil", got)
	}
	if leader.State() != Idle {
		t.Errorf("late message mutated state to %v", leader.State())
	}
}

func TestEngine_BufferedPrepareDrainsOnPrePrepare(t *testing.T) {
	committed := make([]*[]qos.QoSProof, 4)
	for i := range committed {
		committed[i] = &[]qos.QoSProof{}
	}
	engines := newCommittee(t, 4, committed)
	follower := engines[1]

	proof := sampleProof("task-E")
	d, err := digest(&proof)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	// Two Prepare votes arrive before this follower has even seen the
	// PrePrepare: they must buffer, not be dropped.
	buffered1 := Message{Type: TypePrepare, ViewNumber: 0, SequenceNumber: 1, NodeID: "node-3", TaskID: "task-E", Digest: d}
	buffered2 := Message{Type: TypePrepare, ViewNumber: 0, SequenceNumber: 1, NodeID: "node-4", TaskID: "task-E", Digest: d}
	if got := follower.HandlePrepare(buffered1); got != nil {
		t.Fatalf("buffered prepare returned non-nil: %+v", got)
	}
	if got := follower.HandlePrepare(buffered2); got != nil {
		t.Fatalf("buffered prepare returned non-nil: %+v", got)
	}

	prePrepare := Message{Type: TypePrePrepare, ViewNumber: 0, SequenceNumber: 1, NodeID: "node-1", TaskID: "task-E", Digest: d, Data: &proof}
	prepare := follower.HandlePrePrepare(prePrepare)
	if prepare == nil {
		t.Fatal("HandlePrePrepare returned nil")
	}

	// Feeding the follower's own Prepare back (as the pipeline would)
	// must now see 3 votes (self + the two buffered) >= tau(4)=3 and
	// yield a Commit.
	commit := follower.HandlePrepare(*prepare)
	if commit == nil {
		t.Fatal("expected quorum to be reached from drained buffer, got nil Commit")
	}
	if follower.State() != Prepared {
		t.Errorf("follower state = %v, want Prepared", follower.State())
	}
}

func TestEngine_StartConsensus_RejectsNonLeader(t *testing.T) {
	committed := make([]*[]qos.QoSProof, 1)
	committed[0] = &[]qos.QoSProof{}
	follower := NewEngine("node-2", false, 4, func(qos.QoSProof, ConsensusType) {}, nil, nil)

	if got := follower.StartConsensus(sampleProof("task-F"), Normal); got != nil {
		t.Errorf("StartConsensus on a follower returned %+v, want nil", got)
	}
}

func TestEngine_Threshold(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{n: 4, want: 3},
		{n: 7, want: 5},
		{n: 1, want: 1},
	}
	for _, tt := range tests {
		e := NewEngine("node-1", true, tt.n, nil, nil, nil)
		if got := e.Threshold(); got != tt.want {
			t.Errorf("Threshold() for n=%d = %d, want %d", tt.n, got, tt.want)
		}
	}
}
