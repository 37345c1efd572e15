// Package qos holds the committee's shared data model: the verifier
// attestation (QoSProof) and the per-task status record each node keeps.
package qos

import "time"

// MediaSpecs describes the transcoding target a QoSProof attests to.
type MediaSpecs struct {
	Codec    string  `json:"codec"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Bitrate  float64 `json:"bitrate"`
	HasAudio bool    `json:"hasAudio"`
}

// VideoQualityData carries the verifier's video scoring.
type VideoQualityData struct {
	OverallScore float64           `json:"overallScore"`
	GOPScores    map[string]string `json:"gopScores"`
}

// AudioQualityData carries the verifier's audio scoring, when present.
type AudioQualityData struct {
	OverallScore float64 `json:"overallScore"`
}

// SyncQualityData carries optional audio/video sync scoring.
type SyncQualityData struct {
	OverallScore float64 `json:"overallScore,omitempty"`
}

// QoSProof is one verifier's signed attestation for a task. It is
// immutable once accepted by a node.
type QoSProof struct {
	ID               string            `json:"id,omitempty"`
	TaskID           string            `json:"taskId"`
	VerifierID       string            `json:"verifierId"`
	Timestamp        int64             `json:"timestamp"`
	MediaSpecs       MediaSpecs        `json:"mediaSpecs"`
	VideoQualityData VideoQualityData  `json:"videoQualityData"`
	AudioQualityData *AudioQualityData `json:"audioQualityData,omitempty"`
	SyncQualityData  *SyncQualityData  `json:"syncQualityData,omitempty"`
	Signature        string            `json:"signature"`

	// SupplementaryInfo is attached to the first stored proof when a
	// conflict has been resolved, and travels as the PrePrepare payload
	// of the second (final) consensus round.
	SupplementaryInfo *SupplementaryInfo `json:"supplementaryInfo,omitempty"`
}

// SupplementaryInfo summarizes how a conflict was resolved, so the final
// consensus round carries the resolution alongside the original proof.
type SupplementaryInfo struct {
	SupplementaryProofID string   `json:"supplementaryProofId"`
	ResolvedBy           string   `json:"resolvedBy"`
	ReliableVerifiers    []string `json:"reliableVerifiers,omitempty"`
	UnreliableVerifiers  []string `json:"unreliableVerifiers,omitempty"`
}

// TaskState is the task status state machine (spec §4.3).
type TaskState int

const (
	StatePending TaskState = iota
	StateValidating
	StateConsensus
	StateRejected
	StateFinalized
	StateConflict
	StateAwaitingSupplementary
	StateValidated
	StateFailed
	StateNeedsManualReview
	StateExpired
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateValidating:
		return "Validating"
	case StateConsensus:
		return "Consensus"
	case StateRejected:
		return "Rejected"
	case StateFinalized:
		return "Finalized"
	case StateConflict:
		return "Conflict"
	case StateAwaitingSupplementary:
		return "AwaitingSupplementary"
	case StateValidated:
		return "Validated"
	case StateFailed:
		return "Failed"
	case StateNeedsManualReview:
		return "NeedsManualReview"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// HumanTag maps a TaskState to the lowercase tag the HTTP status
// endpoint reports (spec §6).
func (s TaskState) HumanTag() string {
	switch s {
	case StatePending:
		return "pending"
	case StateValidating:
		return "validating"
	case StateConsensus:
		return "in_consensus"
	case StateConflict:
		return "conflict_detected"
	case StateAwaitingSupplementary:
		return "awaiting_supplementary_verification"
	case StateValidated:
		return "validated"
	case StateFinalized:
		return "finalized"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	case StateNeedsManualReview:
		return "needs_manual_review"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ConflictType classifies a deep-validation disagreement.
type ConflictType string

const (
	ConflictNone       ConflictType = "none"
	ConflictStructural ConflictType = "structural"
	ConflictScore      ConflictType = "score"
)

// ValidationInfo records conflict and resolution bookkeeping for a task.
type ValidationInfo struct {
	ConflictType             ConflictType `json:"conflictType,omitempty"`
	ConflictDetails          string       `json:"conflictDetails,omitempty"`
	ResolvedResult           string       `json:"resolvedResult,omitempty"`
	SupplementaryRequested   bool         `json:"supplementaryRequested,omitempty"`
	SupplementaryRequestTime int64        `json:"supplementaryRequestTime,omitempty"`
	TimeoutReason            string       `json:"timeoutReason,omitempty"`
	ErrorMessage             string       `json:"errorMessage,omitempty"`
}

// Result holds the on-chain-facing outcome of a finalized task.
type Result struct {
	ConsensusTimestamp int64  `json:"consensusTimestamp,omitempty"`
	TxHash             string `json:"txHash,omitempty"`
}

// TaskStatus is the per-task record a node maintains in memory for the
// lifetime of the task (spec §3 — no persistent storage Non-goal).
type TaskStatus struct {
	TaskID                   string
	State                    TaskState
	ProofCount               int
	VerifierIDs              []string
	CreatedAt                time.Time
	UpdatedAt                time.Time
	SupplementaryVerifierIDs []string
	ValidationInfo           *ValidationInfo
	Result                   *Result
}

// HasVerifier reports whether verifierID already has a stored proof for
// this task (invariant P2: no duplicate verifierIds).
func (t *TaskStatus) HasVerifier(verifierID string) bool {
	for _, id := range t.VerifierIDs {
		if id == verifierID {
			return true
		}
	}
	return false
}
