// Package pipeline owns the per-node task status table and drives the
// QoS attestation workflow end to end: proof ingestion, the serial
// consensus queue, PBFT message dispatch, and the two-stage
// supplementary-proof protocol. It depends on the PBFT engine and two
// narrow collaborator interfaces (Transport, events.Sink) so that the
// concrete transport and storage layers never leak into this core.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WuDi329/one-node-committee/internal/events"
	"github.com/WuDi329/one-node-committee/internal/pbft"
	"github.com/WuDi329/one-node-committee/internal/qos"
	"github.com/WuDi329/one-node-committee/internal/util"
	"github.com/WuDi329/one-node-committee/internal/validator"
)

// supplementaryTimeout is the fixed window after a Conflict consensus in
// which a supplementary proof is expected (spec §4.3.5).
const supplementaryTimeout = 2 * time.Hour

// gcTaskAge is how old an untouched Pending task must be before the GC
// sweep marks it Expired (spec §4.3.6).
const gcTaskAge = 24 * time.Hour

// Transport is the narrow send/broadcast adapter the pipeline needs.
// Both transport.MemoryTransport and transport.Libp2pTransport satisfy
// it without this package importing internal/transport directly.
type Transport interface {
	Broadcast(msg pbft.Message) error
	SendTo(nodeID string, msg pbft.Message) error
}

type queuedTask struct {
	taskID        string
	consensusType pbft.ConsensusType
	// final marks a second (final) consensus round for a task coming out
	// of the supplementary protocol; its payload lives in
	// pendingSupplementaryConsensus until the queue actually starts it.
	final bool
}

// Node is one committee replica: the task table, the consensus queue,
// and the buffers needed to stitch PBFT messages to task state
// transitions. A single mutex, held only at entry points (ingest,
// inbound-message dispatch, the GC tick), stands in for the spec's
// single-threaded cooperative event loop.
type Node struct {
	mu sync.Mutex

	nodeID   string
	isLeader bool
	leaderID string

	engine    *pbft.Engine
	transport Transport
	events    events.Sink
	clock     util.Clock
	logger    *zap.SugaredLogger

	tasks               map[string]*qos.TaskStatus
	proofs              map[string][]qos.QoSProof
	supplementaryProofs map[string]qos.QoSProof
	conflictType        map[string]qos.ConflictType
	conflictReason      map[string]string

	consensusQueue         []queuedTask
	processingConsensus    bool
	currentConsensusTaskID string

	pendingPrePrepare      map[string]pbft.Message
	pendingFinalPrePrepare map[string]pbft.Message

	supplementaryReady            map[string]map[string]bool
	pendingSupplementaryConsensus map[string]qos.QoSProof
	finalRoundQueued              map[string]bool
}

// NewNode builds a pipeline node and the PBFT engine it drives, wiring
// the engine's onConsensusReached callback back into the node's own
// locked handler. leaderID is the node ID followers address
// SupplementaryAck messages to; it equals nodeID when isLeader is true.
func NewNode(nodeID string, isLeader bool, leaderID string, totalNodes int, transport Transport, sink events.Sink, clock util.Clock, sign pbft.SignFunc, logger *zap.SugaredLogger) *Node {
	n := &Node{
		nodeID:                        nodeID,
		isLeader:                      isLeader,
		leaderID:                      leaderID,
		transport:                     transport,
		events:                        sink,
		clock:                         clock,
		logger:                        logger,
		tasks:                         make(map[string]*qos.TaskStatus),
		proofs:                        make(map[string][]qos.QoSProof),
		supplementaryProofs:           make(map[string]qos.QoSProof),
		conflictType:                  make(map[string]qos.ConflictType),
		conflictReason:                make(map[string]string),
		pendingPrePrepare:             make(map[string]pbft.Message),
		pendingFinalPrePrepare:        make(map[string]pbft.Message),
		supplementaryReady:            make(map[string]map[string]bool),
		pendingSupplementaryConsensus: make(map[string]qos.QoSProof),
		finalRoundQueued:              make(map[string]bool),
	}
	n.engine = pbft.NewEngine(nodeID, isLeader, totalNodes, n.onConsensusReachedLocked, sign, logger)
	return n
}

func (n *Node) recordEvent(taskID, eventType string, detail map[string]interface{}) {
	if n.events == nil {
		return
	}
	n.events.Record(events.New(taskID, eventType, n.clock.Now().UnixMilli(), detail))
}

// NodeID reports this replica's configured identity.
func (n *Node) NodeID() string { return n.nodeID }

// IsLeader reports whether this replica is the committee leader.
func (n *Node) IsLeader() bool { return n.isLeader }

// PBFTState reports the engine's current phase, for /status.
func (n *Node) PBFTState() pbft.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.State()
}

// TaskStatus returns a copy of a task's status record, if known.
func (n *Node) TaskStatus(taskID string) (qos.TaskStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	task, ok := n.tasks[taskID]
	if !ok {
		return qos.TaskStatus{}, false
	}
	return *task, true
}

// IngestProof is the ingress-side entry point for a verifier attestation
// (spec §4.3.1).
func (n *Node) IngestProof(proof qos.QoSProof) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	n.recordEvent(proof.TaskID, events.ProofReceived, map[string]interface{}{"verifierId": proof.VerifierID})

	qv := validator.QuickValidate(proof, now)
	if !qv.Valid {
		n.recordEvent(proof.TaskID, events.ProofRejected, map[string]interface{}{"verifierId": proof.VerifierID, "reason": qv.Details})
		if n.logger != nil {
			n.logger.Debugw("proof_rejected", "taskId", proof.TaskID, "verifierId", proof.VerifierID, "reason", qv.Details)
		}
		return
	}

	task, exists := n.tasks[proof.TaskID]
	if !exists {
		task = &qos.TaskStatus{TaskID: proof.TaskID, State: qos.StatePending, CreatedAt: now, UpdatedAt: now}
		n.tasks[proof.TaskID] = task
	}

	if task.HasVerifier(proof.VerifierID) {
		n.recordEvent(proof.TaskID, events.ProofDuplicate, map[string]interface{}{"verifierId": proof.VerifierID})
		return
	}

	n.proofs[proof.TaskID] = append(n.proofs[proof.TaskID], proof)
	task.ProofCount++
	task.VerifierIDs = append(task.VerifierIDs, proof.VerifierID)
	task.UpdatedAt = now

	if task.State == qos.StatePending {
		task.State = qos.StateValidating
	}

	if n.isLeader && task.ProofCount >= 2 && task.State != qos.StateConsensus {
		n.evaluateForConsensusLocked(task, now)
	}

	if !n.isLeader {
		if buffered, ok := n.pendingPrePrepare[proof.TaskID]; ok {
			delete(n.pendingPrePrepare, proof.TaskID)
			n.dispatchPrePrepareLocked(buffered)
		}
	}
}

func (n *Node) evaluateForConsensusLocked(task *qos.TaskStatus, now time.Time) {
	dv := validator.DeepValidate(n.proofs[task.TaskID])
	consensusType := pbft.Normal
	if dv.HasConflict {
		ctype := validator.ClassifyConflict(dv.Reason)
		n.conflictType[task.TaskID] = ctype
		n.conflictReason[task.TaskID] = dv.Reason
		if task.ValidationInfo == nil {
			task.ValidationInfo = &qos.ValidationInfo{}
		}
		task.ValidationInfo.ConflictType = ctype
		task.ValidationInfo.ConflictDetails = dv.Reason
		consensusType = pbft.Conflict
	}

	task.State = qos.StateConsensus
	task.UpdatedAt = now
	n.consensusQueue = append(n.consensusQueue, queuedTask{taskID: task.TaskID, consensusType: consensusType})
	n.recordEvent(task.TaskID, events.ConsensusQueued, map[string]interface{}{"consensusType": string(consensusType)})
	n.drainConsensusQueueLocked()
}

// drainConsensusQueueLocked pops the head of the consensus queue (leader
// only) and starts at most one consensus round; it never waits for that
// round to land — onConsensusReachedLocked recurses back into this once
// the active round finishes (spec §4.3.2). Both first-round entries
// (evaluateForConsensusLocked) and second-round "final" entries
// (handleSupplementaryAckLocked) share this single queue, so a final
// round can never start while another task is mid-round — preserving
// the single-consensus invariant (§5, P5).
func (n *Node) drainConsensusQueueLocked() {
	if !n.isLeader {
		return
	}
	for !n.processingConsensus && len(n.consensusQueue) > 0 {
		head := n.consensusQueue[0]
		n.consensusQueue = n.consensusQueue[1:]

		task := n.tasks[head.taskID]
		if task == nil {
			if head.final {
				delete(n.pendingSupplementaryConsensus, head.taskID)
				delete(n.finalRoundQueued, head.taskID)
			}
			continue
		}

		var proposal qos.QoSProof
		if head.final {
			payload, ok := n.pendingSupplementaryConsensus[head.taskID]
			delete(n.finalRoundQueued, head.taskID)
			if !ok || task.State != qos.StateValidated {
				delete(n.pendingSupplementaryConsensus, head.taskID)
				continue
			}
			proposal = payload
			delete(n.pendingSupplementaryConsensus, head.taskID)
		} else {
			if task.State == qos.StateAwaitingSupplementary || task.State != qos.StateConsensus {
				continue
			}
			proofs := n.proofs[head.taskID]
			if len(proofs) == 0 {
				continue
			}
			proposal = proofs[0]
		}

		task.State = qos.StateConsensus
		task.UpdatedAt = n.clock.Now()
		n.processingConsensus = true
		n.currentConsensusTaskID = head.taskID

		prePrepare := n.engine.StartConsensus(proposal, head.consensusType)
		if prePrepare == nil {
			n.processingConsensus = false
			n.currentConsensusTaskID = ""
			continue
		}

		n.transport.Broadcast(*prePrepare)
		if prepare := n.engine.HandlePrePrepare(*prePrepare); prepare != nil {
			n.transport.Broadcast(*prepare)
		}
		return
	}
}

// HandleMessage is the inbound transport entry point (spec §4.3.3).
func (n *Node) HandleMessage(msg pbft.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.currentConsensusTaskID != "" && msg.TaskID != "" && msg.TaskID != n.currentConsensusTaskID {
		return
	}

	switch msg.Type {
	case pbft.TypePrePrepare:
		n.dispatchPrePrepareLocked(msg)
	case pbft.TypePrepare:
		n.dispatchPrepareLocked(msg)
	case pbft.TypeCommit:
		n.engine.HandleCommit(msg)
	case pbft.TypeSupplementaryReady:
		n.handleSupplementaryReadyLocked(msg)
	case pbft.TypeSupplementaryAck:
		n.handleSupplementaryAckLocked(msg)
	default:
		if n.logger != nil {
			n.logger.Debugw("message_ignored", "type", msg.Type, "from", msg.NodeID)
		}
	}
}

func (n *Node) dispatchPrePrepareLocked(msg pbft.Message) {
	prepare := n.processPrePrepare(msg)
	if prepare == nil {
		return
	}
	n.transport.Broadcast(*prepare)
	n.dispatchPrepareLocked(*prepare)
}

func (n *Node) dispatchPrepareLocked(msg pbft.Message) {
	commit := n.engine.HandlePrepare(msg)
	if commit == nil {
		return
	}
	n.transport.Broadcast(*commit)
	n.engine.HandleCommit(*commit)
}

// processPrePrepare implements spec §4.3.3's per-message gating: buffer
// if local proofs are insufficient, route second-round PrePrepares to
// the supplementary-aware branch, otherwise run ordinary first-round
// validation before handing off to the engine.
func (n *Node) processPrePrepare(msg pbft.Message) *pbft.Message {
	n.currentConsensusTaskID = msg.TaskID

	proofs := n.proofs[msg.TaskID]
	if len(proofs) < 2 {
		n.pendingPrePrepare[msg.TaskID] = msg
		return nil
	}

	task := n.tasks[msg.TaskID]
	if task == nil {
		return nil
	}
	now := n.clock.Now()

	isSecondRound := msg.ConsensusType == pbft.Normal &&
		(task.State == qos.StateValidated || task.State == qos.StateAwaitingSupplementary)

	if isSecondRound {
		if task.State == qos.StateValidated {
			task.State = qos.StateConsensus
			task.UpdatedAt = now
			return n.engine.HandlePrePrepare(msg)
		}
		n.pendingFinalPrePrepare[msg.TaskID] = msg
		return nil
	}

	if msg.Data == nil {
		return nil
	}
	if qv := validator.QuickValidate(*msg.Data, now); !qv.Valid {
		if n.logger != nil {
			n.logger.Warnw("preprepare_payload_rejected", "taskId", msg.TaskID, "reason", qv.Details)
		}
		return nil
	}

	dv := validator.DeepValidate(proofs)
	if dv.HasConflict {
		ctype := validator.ClassifyConflict(dv.Reason)
		n.conflictType[msg.TaskID] = ctype
		n.conflictReason[msg.TaskID] = dv.Reason
		if task.ValidationInfo == nil {
			task.ValidationInfo = &qos.ValidationInfo{}
		}
		task.ValidationInfo.ConflictType = ctype
		task.ValidationInfo.ConflictDetails = dv.Reason
	}

	task.State = qos.StateConsensus
	task.UpdatedAt = now
	return n.engine.HandlePrePrepare(msg)
}

// onConsensusReachedLocked is wired into the engine's OnConsensusReached
// callback at construction; it runs inside the same critical section as
// whatever call reached quorum.
func (n *Node) onConsensusReachedLocked(proof qos.QoSProof, consensusType pbft.ConsensusType) {
	taskID := proof.TaskID
	task := n.tasks[taskID]
	if task == nil {
		return
	}
	now := n.clock.Now()

	switch consensusType {
	case pbft.Normal:
		task.State = qos.StateFinalized
		task.UpdatedAt = now
		task.Result = &qos.Result{ConsensusTimestamp: now.UnixMilli()}
		n.recordEvent(taskID, events.ConsensusReachNormal, nil)
	case pbft.Conflict:
		task.State = qos.StateAwaitingSupplementary
		task.UpdatedAt = now
		if task.ValidationInfo == nil {
			task.ValidationInfo = &qos.ValidationInfo{}
		}
		task.ValidationInfo.SupplementaryRequested = true
		task.ValidationInfo.SupplementaryRequestTime = now.UnixMilli()
		n.recordEvent(taskID, events.ConsensusReachConflict, nil)
		n.scheduleSupplementaryTimeoutLocked(taskID)
	}

	if len(n.consensusQueue) > 0 && n.consensusQueue[0].taskID == taskID {
		n.consensusQueue = n.consensusQueue[1:]
	}
	n.processingConsensus = false
	n.currentConsensusTaskID = ""
	n.drainConsensusQueueLocked()
}

func (n *Node) scheduleSupplementaryTimeoutLocked(taskID string) {
	go func() {
		<-n.clock.After(supplementaryTimeout)
		n.checkSupplementaryTimeout(taskID)
	}()
}

func (n *Node) checkSupplementaryTimeout(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	task := n.tasks[taskID]
	if task == nil || task.State != qos.StateAwaitingSupplementary {
		return
	}
	if len(task.SupplementaryVerifierIDs) > 0 {
		return
	}

	task.State = qos.StateNeedsManualReview
	if task.ValidationInfo == nil {
		task.ValidationInfo = &qos.ValidationInfo{}
	}
	task.ValidationInfo.TimeoutReason = "supplementary proof timeout after 2h"
	task.UpdatedAt = n.clock.Now()
	n.recordEvent(taskID, events.SupplementaryTimeout, nil)
}

// IngestSupplementary handles a supplementary proof submitted for a task
// in AwaitingSupplementary (spec §4.3.5).
func (n *Node) IngestSupplementary(taskID string, proof qos.QoSProof) {
	n.mu.Lock()
	defer n.mu.Unlock()

	proof.TaskID = taskID
	task := n.tasks[taskID]
	if task == nil || task.State != qos.StateAwaitingSupplementary {
		return
	}
	originals := n.proofs[taskID]
	if len(originals) < 2 {
		return
	}

	now := n.clock.Now()
	qv := validator.QuickValidate(proof, now)
	if !qv.Valid {
		task.State = qos.StateFailed
		if task.ValidationInfo == nil {
			task.ValidationInfo = &qos.ValidationInfo{}
		}
		task.ValidationInfo.ErrorMessage = qv.Details
		task.UpdatedAt = now
		return
	}

	if proof.ID == "" {
		proof.ID = fmt.Sprintf("%s-supplementary", taskID)
	}

	n.supplementaryProofs[taskID] = proof
	task.SupplementaryVerifierIDs = append(task.SupplementaryVerifierIDs, proof.VerifierID)
	task.UpdatedAt = now
	n.recordEvent(taskID, events.SupplementaryReceived, map[string]interface{}{"verifierId": proof.VerifierID})

	result := validator.ResolveWithSupplementary(originals, proof, n.conflictType[taskID], n.conflictReason[taskID])
	if task.ValidationInfo == nil {
		task.ValidationInfo = &qos.ValidationInfo{}
	}

	switch {
	case result.Valid:
		task.ValidationInfo.ResolvedResult = result.ResolvedBy
		task.State = qos.StateValidated
		task.UpdatedAt = now
		n.recordEvent(taskID, events.SupplementaryResolved, map[string]interface{}{"resolvedBy": result.ResolvedBy})
		n.afterSupplementaryValidatedLocked(taskID, proof, result)
	case result.NeedsManualReview:
		task.State = qos.StateNeedsManualReview
		task.UpdatedAt = now
	default:
		task.State = qos.StateFailed
		task.UpdatedAt = now
	}
}

func (n *Node) afterSupplementaryValidatedLocked(taskID string, supplementary qos.QoSProof, result validator.ResolveResult) {
	if n.isLeader {
		originals := n.proofs[taskID]
		if len(originals) == 0 {
			return
		}
		payload := originals[0]
		payload.SupplementaryInfo = &qos.SupplementaryInfo{
			SupplementaryProofID: supplementary.ID,
			ResolvedBy:           result.ResolvedBy,
			ReliableVerifiers:    result.ReliableVerifiers,
			UnreliableVerifiers:  result.UnreliableVerifiers,
		}
		n.pendingSupplementaryConsensus[taskID] = payload

		ready := pbft.Message{
			Type:                 pbft.TypeSupplementaryReady,
			TaskID:               taskID,
			NodeID:               n.nodeID,
			SupplementaryProofID: supplementary.ID,
			Timestamp:            n.clock.Now().UnixMilli(),
		}
		n.engine.SignMessage(&ready)
		n.supplementaryReady[taskID] = map[string]bool{n.nodeID: true}
		n.transport.Broadcast(ready)
		return
	}

	if buffered, ok := n.pendingFinalPrePrepare[taskID]; ok {
		delete(n.pendingFinalPrePrepare, taskID)
		n.dispatchPrePrepareLocked(buffered)
		return
	}

	ack := pbft.Message{
		Type:                 pbft.TypeSupplementaryAck,
		TaskID:               taskID,
		NodeID:               n.nodeID,
		SupplementaryProofID: supplementary.ID,
		Timestamp:            n.clock.Now().UnixMilli(),
	}
	n.engine.SignMessage(&ack)
	n.transport.SendTo(n.leaderID, ack)
}

func (n *Node) handleSupplementaryReadyLocked(msg pbft.Message) {
	task := n.tasks[msg.TaskID]
	if task != nil && (task.State == qos.StateValidated || task.State == qos.StateConsensus || task.State == qos.StateFinalized) {
		ack := pbft.Message{
			Type:                 pbft.TypeSupplementaryAck,
			TaskID:               msg.TaskID,
			NodeID:               n.nodeID,
			SupplementaryProofID: msg.SupplementaryProofID,
			Timestamp:            n.clock.Now().UnixMilli(),
		}
		n.engine.SignMessage(&ack)
		n.transport.SendTo(msg.NodeID, ack)
		return
	}

	sp, ok := n.supplementaryProofs[msg.TaskID]
	if !ok || sp.ID != msg.SupplementaryProofID {
		if n.logger != nil {
			n.logger.Infow("supplementary_proof_needed", "taskId", msg.TaskID, "supplementaryProofId", msg.SupplementaryProofID)
		}
	}
}

// handleSupplementaryAckLocked tallies SupplementaryAck votes and, once
// tau replicas are ready, enqueues the final round rather than starting
// it directly: the consensus queue is the only thing allowed to start a
// PBFT round, so a round already in flight for another task is never
// clobbered (spec §5's single-consensus invariant, P5).
func (n *Node) handleSupplementaryAckLocked(msg pbft.Message) {
	if !n.isLeader {
		return
	}
	task := n.tasks[msg.TaskID]
	if task != nil && (task.State == qos.StateConsensus || task.State == qos.StateFinalized) {
		return
	}

	if n.supplementaryReady[msg.TaskID] == nil {
		n.supplementaryReady[msg.TaskID] = make(map[string]bool)
	}
	n.supplementaryReady[msg.TaskID][n.nodeID] = true
	n.supplementaryReady[msg.TaskID][msg.NodeID] = true

	if n.finalRoundQueued[msg.TaskID] {
		return
	}
	if _, exists := n.pendingSupplementaryConsensus[msg.TaskID]; !exists {
		return
	}
	if len(n.supplementaryReady[msg.TaskID]) < n.engine.Threshold() {
		return
	}

	n.finalRoundQueued[msg.TaskID] = true
	delete(n.supplementaryReady, msg.TaskID)
	n.consensusQueue = append(n.consensusQueue, queuedTask{taskID: msg.TaskID, consensusType: pbft.Normal, final: true})
	n.recordEvent(msg.TaskID, events.ConsensusQueued, map[string]interface{}{"consensusType": string(pbft.Normal), "final": true})
	n.drainConsensusQueueLocked()
}

// RunGC marks Pending tasks older than 24h as Expired (spec §4.3.6).
func (n *Node) RunGC() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	for taskID, task := range n.tasks {
		if task.State == qos.StatePending && now.Sub(task.UpdatedAt) > gcTaskAge {
			task.State = qos.StateExpired
			task.UpdatedAt = now
			n.recordEvent(taskID, events.TaskExpired, nil)
		}
	}
}

// RunGCLoop runs the hourly GC sweep until ctx is cancelled, mirroring
// the ticker-driven background loop a committee node's main process runs
// alongside the HTTP and transport servers.
func (n *Node) RunGCLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.RunGC()
		}
	}
}
