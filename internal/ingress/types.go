package ingress

import "github.com/WuDi329/one-node-committee/internal/qos"

// Wire types for the HTTP surface (spec §6). Field names and shapes are
// kept bit-exact for interoperability with the rest of the committee.

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	NodeID      string             `json:"nodeId"`
	IsLeader    bool               `json:"isLeader"`
	PBFTState   string             `json:"pbftState"`
	Connections ConnectionsPayload `json:"connections"`
}

// ConnectionsPayload mirrors transport.ConnectionSnapshot as the
// connections field of the GET /status wire body.
type ConnectionsPayload struct {
	Total     int      `json:"total"`
	Connected int      `json:"connected"`
	Peers     []string `json:"peers"`
}

// AcceptedResponse is returned by POST /proof and
// POST /proof/:taskId/supplementary.
type AcceptedResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

// BatchResult is one entry of POST /proofs/batch's results array.
type BatchResult struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"` // "accepted" | "rejected" | "failed"
	Error  string `json:"error,omitempty"`
}

// BatchResponse is the body of POST /proofs/batch.
type BatchResponse struct {
	Message string        `json:"message"`
	Results []BatchResult `json:"results"`
}

// TaskStatusResponse is the body of GET /proof/:taskId/status.
type TaskStatusResponse struct {
	TaskID       string                `json:"taskId"`
	State        string                `json:"state"`
	ProofCount   int                   `json:"proofCount"`
	VerifierIDs  []string              `json:"verifierIds"`
	CreatedAt    int64                 `json:"createdAt"`
	UpdatedAt    int64                 `json:"updatedAt"`
	ConflictInfo *qos.ValidationInfo   `json:"conflictInfo,omitempty"`
	Result       *qos.Result           `json:"result,omitempty"`
}

// errorResponse is the generic shape for 4xx/5xx bodies.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
