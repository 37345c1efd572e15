// Package pbft implements one replicated-log slot of the three-phase
// pre-prepare/prepare/commit protocol. An Engine is not internally
// synchronized: callers (the task pipeline) must serialize access, the
// same way a single-threaded event loop would.
package pbft

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/WuDi329/one-node-committee/internal/qos"
)

// MessageType tags the kind of PBFT or supplementary envelope.
type MessageType string

const (
	TypePrePrepare        MessageType = "PRE_PREPARE"
	TypePrepare           MessageType = "PREPARE"
	TypeCommit            MessageType = "COMMIT"
	TypeStatusUpdate      MessageType = "STATUS_UPDATE"
	TypeSupplementaryReady MessageType = "SUPPLEMENTARY_READY"
	TypeSupplementaryAck   MessageType = "SUPPLEMENTARY_ACK"
)

// ConsensusType distinguishes an ordinary round from one whose success
// routes the task into supplementary verification instead of Finalized.
type ConsensusType string

const (
	Normal   ConsensusType = "NORMAL"
	Conflict ConsensusType = "CONFLICT"
)

// State is the per-(view,seq) phase of the engine. Transitions are
// monotone: Idle -> PrePrepared -> Prepared -> Committed.
type State int

const (
	Idle State = iota
	PrePrepared
	Prepared
	Committed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PrePrepared:
		return "PrePrepared"
	case Prepared:
		return "Prepared"
	case Committed:
		return "Committed"
	default:
		return "Unknown"
	}
}

// Message is the single tagged sum covering every PBFT and supplementary
// envelope exchanged between committee nodes.
type Message struct {
	Type           MessageType    `json:"type"`
	ConsensusType  ConsensusType  `json:"consensusType,omitempty"`
	ViewNumber     int64          `json:"viewNumber"`
	SequenceNumber int64          `json:"sequenceNumber"`
	NodeID         string         `json:"nodeId"`
	TaskID         string         `json:"taskId"`
	Digest         string         `json:"digest,omitempty"`
	Signature      string         `json:"signature,omitempty"`
	Data           *qos.QoSProof  `json:"data,omitempty"`

	// SupplementaryProofID and Timestamp are only populated on the two
	// supplementary envelope types.
	SupplementaryProofID string `json:"supplementaryProofId,omitempty"`
	Timestamp            int64  `json:"timestamp,omitempty"`
}

// digest hashes the JSON encoding of a QoSProof with Keccak256, the same
// hash primitive the signing package uses to derive signer addresses. It
// is deterministic as long as the proof's field set does not change
// between calls.
func digest(proof *qos.QoSProof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("marshal proof for digest: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// slotKey is the (view,seq) key used for the Prepare/Commit accept sets
// and their pending buffers.
func slotKey(view, seq int64) string {
	return fmt.Sprintf("%d:%d", view, seq)
}
