package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WuDi329/one-node-committee/internal/events"
	"github.com/WuDi329/one-node-committee/internal/qos"
	"github.com/WuDi329/one-node-committee/internal/transport"
)

// fakeClock is a manually-advanced util.Clock so the 2h supplementary
// timeout and the 7-day proof-age window are deterministically
// testable without real waits.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []chan time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- c.now
	}
}

func nodeName(i int) string { return fmt.Sprintf("node-%d", i+1) }

// newCommittee wires n nodes together over an in-process transport hub,
// node-1 as leader, mirroring the dispatch wiring a real process does in
// cmd/committee-node (SetHandler(node.HandleMessage)).
func newCommittee(n int, clock *fakeClock) []*Node {
	hub := transport.NewHub()
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		id := nodeName(i)
		mt := hub.Register(id)
		node := NewNode(id, i == 0, nodeName(0), n, mt, events.NewMemorySink(), clock, nil, nil)
		mt.SetHandler(node.HandleMessage)
		nodes[i] = node
	}
	return nodes
}

func baseProof(taskID, verifierID string, now time.Time) qos.QoSProof {
	return qos.QoSProof{
		TaskID:     taskID,
		VerifierID: verifierID,
		Timestamp:  now.UnixMilli(),
		MediaSpecs: qos.MediaSpecs{Codec: "H.264", Width: 1920, Height: 1080, Bitrate: 5000, HasAudio: true},
		VideoQualityData: qos.VideoQualityData{
			OverallScore: 85.5,
			GOPScores:    map[string]string{"0": "86.2"},
		},
		Signature: "0xsig",
	}
}

func waitFinalized(t *testing.T, nodes []*Node, taskID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allDone := true
		for _, n := range nodes {
			st, ok := n.TaskStatus(taskID)
			if !ok || st.State != qos.StateFinalized {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s did not reach Finalized on all nodes within %s", taskID, timeout)
}

// Scenario 1 (spec §8): happy path, N=4, two agreeing proofs.
func TestHappyPath_N4(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)

	for _, n := range nodes {
		n.IngestProof(baseProof("task-A", "v1", clock.Now()))
		n.IngestProof(baseProof("task-A", "v2", clock.Now()))
	}

	waitFinalized(t, nodes, "task-A", time.Second)

	for _, n := range nodes {
		st, _ := n.TaskStatus("task-A")
		if st.Result == nil || st.Result.ConsensusTimestamp == 0 {
			t.Errorf("%s: expected a stamped consensus result", n.NodeID())
		}
		if !n.engine.IsCompleted(1) {
			t.Errorf("%s: expected sequence 1 to be completed", n.NodeID())
		}
	}
}

// Scenario 2 (spec §8): three distinct codecs resolve to manual review.
func TestStructuralConflict_ManualReview(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	p1 := baseProof("task-B", "v1", clock.Now())
	p1.MediaSpecs.Codec = "H.264"
	p2 := baseProof("task-B", "v2", clock.Now())
	p2.MediaSpecs.Codec = "H.265"

	for _, n := range nodes {
		n.IngestProof(p1)
		n.IngestProof(p2)
	}

	deadline := time.Now().Add(time.Second)
	for {
		st, _ := leader.TaskStatus("task-B")
		if st.State == qos.StateAwaitingSupplementary || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	st, _ := leader.TaskStatus("task-B")
	if st.State != qos.StateAwaitingSupplementary {
		t.Fatalf("leader state = %v, want AwaitingSupplementary", st.State)
	}

	supp := baseProof("task-B", "v3", clock.Now())
	supp.MediaSpecs.Codec = "VP9"
	leader.IngestSupplementary("task-B", supp)

	st, _ = leader.TaskStatus("task-B")
	if st.State != qos.StateNeedsManualReview {
		t.Fatalf("leader state after supplementary = %v, want NeedsManualReview", st.State)
	}
}

// Scenario 3 (spec §8): structural conflict resolved by majority.
func TestStructuralConflict_MajorityResolved(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)

	p1 := baseProof("task-C", "v1", clock.Now())
	p1.MediaSpecs.Codec = "H.264"
	p2 := baseProof("task-C", "v2", clock.Now())
	p2.MediaSpecs.Codec = "H.265"

	for _, n := range nodes {
		n.IngestProof(p1)
		n.IngestProof(p2)
	}

	leader := nodes[0]
	deadline := time.Now().Add(time.Second)
	for {
		st, _ := leader.TaskStatus("task-C")
		if st.State == qos.StateAwaitingSupplementary || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	supp := baseProof("task-C", "v3", clock.Now())
	supp.MediaSpecs.Codec = "H.264"
	leader.IngestSupplementary("task-C", supp)

	st, _ := leader.TaskStatus("task-C")
	if st.State != qos.StateValidated && st.State != qos.StateConsensus && st.State != qos.StateFinalized {
		t.Fatalf("leader state after majority resolution = %v", st.State)
	}
	if st.ValidationInfo == nil || st.ValidationInfo.ResolvedResult != "majority" {
		t.Fatalf("validationInfo = %+v, want resolvedBy=majority", st.ValidationInfo)
	}

	// Followers process the ready/ack handshake without ingesting the
	// supplementary proof themselves (only the leader resolves it), so
	// feed it to every node to mirror an external solicitation mechanism
	// handing the same supplementary proof to each replica.
	for _, n := range nodes[1:] {
		n.IngestSupplementary("task-C", supp)
	}

	waitFinalized(t, nodes, "task-C", time.Second)
	finalizedCount := 0
	for _, n := range nodes {
		st, _ := n.TaskStatus("task-C")
		if st.State == qos.StateFinalized {
			finalizedCount++
		}
	}
	if finalizedCount < 3 {
		t.Errorf("finalizedCount = %d, want >= 3", finalizedCount)
	}
}

// Scenario 4 (spec §8): score conflict resolved statistically.
func TestScoreConflict_StatisticalResolution(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)

	p1 := baseProof("task-D", "v1", clock.Now())
	p1.MediaSpecs.Bitrate = 5000
	p2 := baseProof("task-D", "v2", clock.Now())
	p2.MediaSpecs.Bitrate = 6000

	for _, n := range nodes {
		n.IngestProof(p1)
		n.IngestProof(p2)
	}

	leader := nodes[0]
	deadline := time.Now().Add(time.Second)
	for {
		st, _ := leader.TaskStatus("task-D")
		if st.State == qos.StateAwaitingSupplementary || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	supp := baseProof("task-D", "v3", clock.Now())
	supp.MediaSpecs.Bitrate = 5100
	leader.IngestSupplementary("task-D", supp)
	for _, n := range nodes[1:] {
		n.IngestSupplementary("task-D", supp)
	}

	st, _ := leader.TaskStatus("task-D")
	if st.ValidationInfo == nil || st.ValidationInfo.ResolvedResult != "statistical" {
		t.Fatalf("validationInfo = %+v, want resolvedBy=statistical", st.ValidationInfo)
	}

	waitFinalized(t, nodes, "task-D", time.Second)
}

// Scenario 5 (spec §8): N=7, tau=5, two followers never receive proofs.
func TestByzantineFaultTolerance_N7(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(7, clock)

	active := nodes[:5]
	for _, n := range active {
		n.IngestProof(baseProof("task-E", "v1", clock.Now()))
		n.IngestProof(baseProof("task-E", "v2", clock.Now()))
	}

	waitFinalized(t, active, "task-E", time.Second)

	for _, n := range nodes[5:] {
		st, ok := n.TaskStatus("task-E")
		if ok && st.State == qos.StateFinalized {
			t.Errorf("%s: absent follower should not finalize an unseen task", n.NodeID())
		}
	}
}

// Scenario 6 (spec §8): two followers only ever see one proof each.
func TestInsufficientPerFollowerProofs(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)

	p1 := baseProof("task-F", "v1", clock.Now())
	p2 := baseProof("task-F", "v2", clock.Now())

	// Leader and node-2 get both proofs; node-3, node-4 get only one each.
	nodes[0].IngestProof(p1)
	nodes[0].IngestProof(p2)
	nodes[1].IngestProof(p1)
	nodes[1].IngestProof(p2)
	nodes[2].IngestProof(p1)
	nodes[3].IngestProof(p2)

	time.Sleep(20 * time.Millisecond)

	for _, n := range nodes {
		st, ok := n.TaskStatus("task-F")
		if ok && st.State == qos.StateFinalized {
			t.Errorf("%s: task should never finalize when quorum is unreachable", n.NodeID())
		}
	}
	leaderSt, _ := nodes[0].TaskStatus("task-F")
	if leaderSt.State != qos.StateConsensus {
		t.Errorf("leader state = %v, want Consensus (stuck, never progressing)", leaderSt.State)
	}
}

// Scenario 7 (spec §8): supplementary timeout with nothing received.
func TestSupplementaryTimeout(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	p1 := baseProof("task-G", "v1", clock.Now())
	p1.MediaSpecs.Codec = "H.264"
	p2 := baseProof("task-G", "v2", clock.Now())
	p2.MediaSpecs.Codec = "H.265"

	for _, n := range nodes {
		n.IngestProof(p1)
		n.IngestProof(p2)
	}

	deadline := time.Now().Add(time.Second)
	for {
		st, _ := leader.TaskStatus("task-G")
		if st.State == qos.StateAwaitingSupplementary || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	leader.checkSupplementaryTimeout("task-G")

	st, _ := leader.TaskStatus("task-G")
	if st.State != qos.StateNeedsManualReview {
		t.Fatalf("state = %v, want NeedsManualReview", st.State)
	}
	if st.ValidationInfo == nil || st.ValidationInfo.TimeoutReason == "" {
		t.Fatal("expected a populated timeoutReason")
	}
}

// Supplementary timeout is idempotent and no-ops once the task moved on.
func TestSupplementaryTimeout_NoOpAfterResolution(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	p1 := baseProof("task-H", "v1", clock.Now())
	p1.MediaSpecs.Codec = "H.264"
	p2 := baseProof("task-H", "v2", clock.Now())
	p2.MediaSpecs.Codec = "H.265"
	for _, n := range nodes {
		n.IngestProof(p1)
		n.IngestProof(p2)
	}

	deadline := time.Now().Add(time.Second)
	for {
		st, _ := leader.TaskStatus("task-H")
		if st.State == qos.StateAwaitingSupplementary || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	supp := baseProof("task-H", "v3", clock.Now())
	supp.MediaSpecs.Codec = "H.264"
	leader.IngestSupplementary("task-H", supp)

	leader.checkSupplementaryTimeout("task-H")

	st, _ := leader.TaskStatus("task-H")
	if st.State == qos.StateNeedsManualReview {
		t.Fatal("timeout check must no-op once supplementary already resolved")
	}
}

// P1/P2: proofCount tracks len(verifierIds) with no duplicates.
func TestIngestProof_DuplicateVerifierDropped(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	leader.IngestProof(baseProof("task-I", "v1", clock.Now()))
	leader.IngestProof(baseProof("task-I", "v1", clock.Now()))

	st, _ := leader.TaskStatus("task-I")
	if st.ProofCount != 1 || len(st.VerifierIDs) != 1 {
		t.Fatalf("status = %+v, want exactly one stored proof", st)
	}
}

// Malformed proofs never create or mutate a task record.
func TestIngestProof_QuickValidateFailureDropsSilently(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	bad := baseProof("task-J", "v1", clock.Now())
	bad.Signature = ""
	leader.IngestProof(bad)

	if _, ok := leader.TaskStatus("task-J"); ok {
		t.Fatal("a quick-validate failure must not create a task record")
	}
}

// P5: at most one task is in the processingConsensus window on the
// leader at a time; a second task queues behind the first.
func TestConsensusQueue_SerialPerLeader(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	leader.IngestProof(baseProof("task-K1", "v1", clock.Now()))
	leader.IngestProof(baseProof("task-K1", "v2", clock.Now()))
	leader.IngestProof(baseProof("task-K2", "v1", clock.Now()))
	leader.IngestProof(baseProof("task-K2", "v2", clock.Now()))

	leader.mu.Lock()
	queued := len(leader.consensusQueue)
	processing := leader.processingConsensus
	leader.mu.Unlock()

	if !processing {
		t.Fatal("expected the leader to be mid-consensus for the first queued task")
	}
	if queued != 1 {
		t.Fatalf("consensusQueue length = %d, want 1 (second task waiting)", queued)
	}
}

// GC sweep expires stale Pending tasks, leaves fresh ones untouched.
func TestRunGC_ExpiresStalePendingTasks(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newCommittee(4, clock)
	leader := nodes[0]

	// IngestProof always moves a new task on to Validating, so the Pending
	// records the sweep looks at are seeded directly.
	seedPending := func(taskID string) {
		now := clock.Now()
		leader.mu.Lock()
		leader.tasks[taskID] = &qos.TaskStatus{TaskID: taskID, State: qos.StatePending, CreatedAt: now, UpdatedAt: now}
		leader.mu.Unlock()
	}
	seedPending("task-stale")
	clock.Advance(25 * time.Hour)
	seedPending("task-fresh")

	leader.RunGC()

	stale, _ := leader.TaskStatus("task-stale")
	if stale.State != qos.StateExpired {
		t.Errorf("stale task state = %v, want Expired", stale.State)
	}
	fresh, _ := leader.TaskStatus("task-fresh")
	if fresh.State == qos.StateExpired {
		t.Error("freshly-updated task must not expire")
	}
}
