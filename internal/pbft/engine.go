package pbft

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/WuDi329/one-node-committee/internal/qos"
)

// SignFunc signs the canonical bytes of an outgoing message. The engine
// treats signing as a pluggable primitive (callers may wire a real
// ECDSA signer, or leave it nil to produce unsigned messages during
// tests).
type SignFunc func(payload []byte) (string, error)

// OnConsensusReached is invoked exactly once per completed (view,seq)
// slot, with the finalized proposal and the tag under which it was
// proposed. The engine holds no reference back into its caller beyond
// this callback.
type OnConsensusReached func(proof qos.QoSProof, consensusType ConsensusType)

// Engine runs a single replicated-log slot of the three-phase protocol.
// It is not internally synchronized: every exported method assumes the
// caller already holds whatever lock guards node-local state.
type Engine struct {
	nodeID     string
	isLeader   bool
	totalNodes int
	tau        int

	viewNumber     int64
	sequenceNumber int64
	state          State

	currentProposal      *qos.QoSProof
	currentDigest        string
	currentConsensusType ConsensusType
	currentTaskID        string

	prepares map[string]map[string]bool
	commits  map[string]map[string]bool

	pendingPrepares map[string]map[string]Message
	pendingCommits  map[string]map[string]Message

	completedSequences map[int64]bool

	onConsensusReached OnConsensusReached
	sign               SignFunc
	logger             *zap.SugaredLogger
}

// NewEngine constructs an Engine for a committee of totalNodes, with
// threshold tau = 2*floor((totalNodes-1)/3) + 1.
func NewEngine(nodeID string, isLeader bool, totalNodes int, onConsensusReached OnConsensusReached, sign SignFunc, logger *zap.SugaredLogger) *Engine {
	f := (totalNodes - 1) / 3
	return &Engine{
		nodeID:              nodeID,
		isLeader:            isLeader,
		totalNodes:          totalNodes,
		tau:                 2*f + 1,
		state:               Idle,
		prepares:            make(map[string]map[string]bool),
		commits:             make(map[string]map[string]bool),
		pendingPrepares:     make(map[string]map[string]Message),
		pendingCommits:      make(map[string]map[string]Message),
		completedSequences:  make(map[int64]bool),
		onConsensusReached:  onConsensusReached,
		sign:                sign,
		logger:              logger,
	}
}

// View returns the engine's current view number (for /status).
func (e *Engine) View() int64 { return e.viewNumber }

// Sequence returns the engine's current sequence number (for /status).
func (e *Engine) Sequence() int64 { return e.sequenceNumber }

// State returns the engine's current phase (for /status).
func (e *Engine) State() State { return e.state }

// Threshold returns tau, the quorum size.
func (e *Engine) Threshold() int { return e.tau }

// IsCompleted reports whether a sequence number has already finalized.
func (e *Engine) IsCompleted(seq int64) bool { return e.completedSequences[seq] }

// CompletedCount reports how many sequences have finalized (for /status).
func (e *Engine) CompletedCount() int { return len(e.completedSequences) }

// SignMessage signs a message the engine did not itself construct (the
// supplementary-protocol envelopes), using the same signing primitive as
// PrePrepare/Prepare/Commit.
func (e *Engine) SignMessage(msg *Message) { e.signMessage(msg) }

func (e *Engine) signMessage(msg *Message) {
	if e.sign == nil {
		return
	}
	payload := []byte(fmt.Sprintf("%s|%s|%d|%d|%s", msg.Type, msg.ConsensusType, msg.ViewNumber, msg.SequenceNumber, msg.Digest))
	sig, err := e.sign(payload)
	if err != nil {
		if e.logger != nil {
			e.logger.Warnw("sign_failed", "type", msg.Type, "err", err)
		}
		return
	}
	msg.Signature = sig
}

// StartConsensus is the leader-only entry point that proposes a new
// sequence. It fails silently (returns nil) unless isLeader and the
// engine is Idle.
func (e *Engine) StartConsensus(proof qos.QoSProof, consensusType ConsensusType) *Message {
	if !e.isLeader || e.state != Idle {
		if e.logger != nil {
			e.logger.Debugw("start_consensus_rejected", "isLeader", e.isLeader, "state", e.state.String())
		}
		return nil
	}

	e.sequenceNumber++
	d, err := digest(&proof)
	if err != nil {
		if e.logger != nil {
			e.logger.Warnw("start_consensus_digest_failed", "taskId", proof.TaskID, "err", err)
		}
		e.sequenceNumber--
		return nil
	}

	e.currentProposal = &proof
	e.currentDigest = d
	e.currentConsensusType = consensusType
	e.currentTaskID = proof.TaskID
	e.state = PrePrepared

	msg := &Message{
		Type:           TypePrePrepare,
		ConsensusType:  consensusType,
		ViewNumber:     e.viewNumber,
		SequenceNumber: e.sequenceNumber,
		NodeID:         e.nodeID,
		TaskID:         proof.TaskID,
		Digest:         d,
		Data:           &proof,
	}
	e.signMessage(msg)
	return msg
}

// HandlePrePrepare accepts a leader's proposal. Accepted in Idle
// (follower), or when this is the leader replaying its own PrePrepare
// while already in PrePrepared.
func (e *Engine) HandlePrePrepare(msg Message) *Message {
	accepted := e.state == Idle || (e.isLeader && e.state == PrePrepared && msg.NodeID == e.nodeID)
	if !accepted {
		if e.logger != nil {
			e.logger.Debugw("preprepare_dropped_state", "state", e.state.String(), "from", msg.NodeID)
		}
		return nil
	}
	if msg.ViewNumber != e.viewNumber {
		if e.logger != nil {
			e.logger.Debugw("preprepare_dropped_view", "want", e.viewNumber, "got", msg.ViewNumber)
		}
		return nil
	}
	if msg.Data == nil {
		if e.logger != nil {
			e.logger.Warnw("preprepare_missing_payload", "taskId", msg.TaskID)
		}
		return nil
	}

	wantDigest, err := digest(msg.Data)
	if err != nil || wantDigest != msg.Digest {
		if e.logger != nil {
			e.logger.Warnw("preprepare_digest_mismatch", "taskId", msg.TaskID, "want", wantDigest, "got", msg.Digest)
		}
		return nil
	}

	e.sequenceNumber = msg.SequenceNumber
	e.currentProposal = msg.Data
	e.currentDigest = msg.Digest
	e.currentConsensusType = msg.ConsensusType
	e.currentTaskID = msg.TaskID
	if e.state != PrePrepared {
		e.state = PrePrepared
	}

	key := slotKey(e.viewNumber, e.sequenceNumber)
	prepare := &Message{
		Type:           TypePrepare,
		ConsensusType:  e.currentConsensusType,
		ViewNumber:     e.viewNumber,
		SequenceNumber: e.sequenceNumber,
		NodeID:         e.nodeID,
		TaskID:         e.currentTaskID,
		Digest:         e.currentDigest,
	}
	e.signMessage(prepare)

	// Invariant: the sender's own Prepare seeds its own quorum set.
	e.acceptPrepare(key, e.nodeID)
	e.drainPendingPrepares(key)

	return prepare
}

// HandlePrepare accepts a Prepare vote for the active slot. It buffers
// votes arriving before PrePrepare has been processed, drops votes for
// completed or already-superseded slots, and transitions to Prepared
// (returning a Commit) once tau distinct senders have voted.
func (e *Engine) HandlePrepare(msg Message) *Message {
	if e.completedSequences[msg.SequenceNumber] {
		return nil
	}
	if msg.ViewNumber != e.viewNumber {
		return nil
	}

	key := slotKey(msg.ViewNumber, msg.SequenceNumber)

	if e.state > PrePrepared {
		return nil
	}
	if e.state < PrePrepared {
		if e.pendingPrepares[key] == nil {
			e.pendingPrepares[key] = make(map[string]Message)
		}
		e.pendingPrepares[key][msg.NodeID] = msg
		return nil
	}

	e.acceptPrepare(key, msg.NodeID)

	if e.state != PrePrepared || len(e.prepares[key]) < e.tau {
		return nil
	}

	e.state = Prepared
	commit := &Message{
		Type:           TypeCommit,
		ConsensusType:  e.currentConsensusType,
		ViewNumber:     e.viewNumber,
		SequenceNumber: e.sequenceNumber,
		NodeID:         e.nodeID,
		TaskID:         e.currentTaskID,
		Digest:         e.currentDigest,
	}
	e.signMessage(commit)

	ckey := slotKey(e.viewNumber, e.sequenceNumber)
	e.acceptCommit(ckey, e.nodeID)
	e.drainPendingCommits(ckey)

	return commit
}

// HandleCommit accepts a Commit vote, mirroring HandlePrepare. Once tau
// distinct senders have voted it transitions to Committed, marks the
// sequence completed, invokes the consensus-reached callback, and
// resets the engine to Idle for the next slot.
func (e *Engine) HandleCommit(msg Message) {
	if e.completedSequences[msg.SequenceNumber] {
		return
	}
	if msg.ViewNumber != e.viewNumber {
		return
	}

	key := slotKey(msg.ViewNumber, msg.SequenceNumber)

	if e.state > Prepared {
		return
	}
	if e.state < Prepared {
		if e.pendingCommits[key] == nil {
			e.pendingCommits[key] = make(map[string]Message)
		}
		e.pendingCommits[key][msg.NodeID] = msg
		return
	}

	e.acceptCommit(key, msg.NodeID)

	if e.state != Prepared || len(e.commits[key]) < e.tau {
		return
	}

	e.state = Committed
	e.completedSequences[msg.SequenceNumber] = true

	proposal := e.currentProposal
	consensusType := e.currentConsensusType

	if e.logger != nil {
		e.logger.Infow("consensus_committed", "view", e.viewNumber, "seq", msg.SequenceNumber, "taskId", e.currentTaskID, "consensusType", consensusType)
	}

	delete(e.prepares, key)
	delete(e.commits, key)
	delete(e.pendingPrepares, key)
	delete(e.pendingCommits, key)

	e.state = Idle
	e.currentProposal = nil
	e.currentDigest = ""
	e.currentConsensusType = ""
	e.currentTaskID = ""

	if e.onConsensusReached != nil && proposal != nil {
		e.onConsensusReached(*proposal, consensusType)
	}
}

func (e *Engine) acceptPrepare(key, sender string) {
	if e.prepares[key] == nil {
		e.prepares[key] = make(map[string]bool)
	}
	e.prepares[key][sender] = true
}

func (e *Engine) acceptCommit(key, sender string) {
	if e.commits[key] == nil {
		e.commits[key] = make(map[string]bool)
	}
	e.commits[key][sender] = true
}

func (e *Engine) drainPendingPrepares(key string) {
	buffered, ok := e.pendingPrepares[key]
	if !ok {
		return
	}
	for sender := range buffered {
		e.acceptPrepare(key, sender)
	}
	delete(e.pendingPrepares, key)
}

func (e *Engine) drainPendingCommits(key string) {
	buffered, ok := e.pendingCommits[key]
	if !ok {
		return
	}
	for sender := range buffered {
		e.acceptCommit(key, sender)
	}
	delete(e.pendingCommits, key)
}
