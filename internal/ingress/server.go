// Package ingress is the HTTP boundary of a committee node: proof
// submission, batch submission, supplementary submission, and status
// polling, plus an optional WebSocket feed of task-state transitions
// for dashboards. It depends on pipeline.Node's exported accessors, the
// transport.Transport.Connections snapshot, and validator.QuickValidate
// (used to report per-proof batch results) — no protocol or consensus
// logic lives here.
package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/WuDi329/one-node-committee/internal/events"
	"github.com/WuDi329/one-node-committee/internal/pipeline"
	"github.com/WuDi329/one-node-committee/internal/qos"
	"github.com/WuDi329/one-node-committee/internal/transport"
	"github.com/WuDi329/one-node-committee/internal/util"
	"github.com/WuDi329/one-node-committee/internal/validator"
)

// Server is the committee node's REST + WebSocket front door.
type Server struct {
	node      *pipeline.Node
	transport transport.Transport
	clock     util.Clock
	logger    *zap.SugaredLogger

	router *mux.Router
	hub    *Hub
}

// NewServer wires a Server around an already-constructed pipeline node
// and the transport instance it shares peer-connection bookkeeping
// with.
func NewServer(node *pipeline.Node, tp transport.Transport, clock util.Clock, logger *zap.SugaredLogger) *Server {
	s := &Server{
		node:      node,
		transport: tp,
		clock:     clock,
		logger:    logger,
		router:    mux.NewRouter(),
		hub:       NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/proof", s.handleSubmitProof).Methods("POST")
	s.router.HandleFunc("/proofs/batch", s.handleSubmitBatch).Methods("POST")
	s.router.HandleFunc("/proof/{taskId}/supplementary", s.handleSubmitSupplementary).Methods("POST")
	s.router.HandleFunc("/proof/{taskId}/status", s.handleTaskStatus).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped router ready to pass to
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start runs the hub and blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	if s.logger != nil {
		s.logger.Infow("ingress_listening", "addr", addr)
	}
	return http.ListenAndServe(addr, s.Handler())
}

// BroadcastTaskUpdate pushes a task-state transition to every connected
// dashboard client. Safe to call from any node goroutine.
func (s *Server) BroadcastTaskUpdate(status qos.TaskStatus) {
	s.hub.Broadcast(TaskUpdateEvent{
		Type:   "task_update",
		TaskID: status.TaskID,
		State:  status.State.HumanTag(),
	})
}

// EventSink adapts the server's WebSocket hub to events.Sink, so a
// node can be wired to push every audit event straight to connected
// dashboards in addition to its durable sink via events.MultiSink.
//
// The pipeline node and the ingress server each need to exist before
// the other can be fully wired (the node needs a Sink at construction;
// the server needs the node). NewEventSink returns an EventSink with no
// server bound yet — safe to hand to pipeline.NewNode's sink argument
// immediately — and Bind attaches the server once it's built.
type EventSink struct {
	server *Server
}

// NewEventSink returns an unbound EventSink. Record is a no-op until
// Bind is called.
func NewEventSink() *EventSink { return &EventSink{} }

// Bind attaches the server this sink pushes task updates through.
func (es *EventSink) Bind(s *Server) { es.server = s }

// Record looks up the task's current status and pushes a task_update
// frame; it never blocks on the HTTP/WS layer, and is a no-op before
// Bind or for tasks it doesn't recognize.
func (es *EventSink) Record(e events.Event) {
	if es.server == nil {
		return
	}
	// The node records events while holding its own mutex, and
	// TaskStatus takes that same mutex, so the lookup runs on its own
	// goroutine once the recording call has released it.
	server := es.server
	go func() {
		status, ok := server.node.TaskStatus(e.TaskID)
		if !ok {
			return
		}
		server.BroadcastTaskUpdate(status)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns := s.transport.Connections()
	respondJSON(w, http.StatusOK, StatusResponse{
		NodeID:    s.node.NodeID(),
		IsLeader:  s.node.IsLeader(),
		PBFTState: s.node.PBFTState().String(),
		Connections: ConnectionsPayload{
			Total:     conns.Total,
			Connected: conns.Connected,
			Peers:     conns.Peers,
		},
	})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var proof qos.QoSProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if proof.TaskID == "" || proof.VerifierID == "" {
		respondError(w, http.StatusBadRequest, "missing field", "taskId and verifierId are required")
		return
	}

	s.node.IngestProof(proof)
	if s.logger != nil {
		s.logger.Infow("proof_submitted", "taskId", proof.TaskID, "verifierId", proof.VerifierID)
	}

	respondJSON(w, http.StatusAccepted, AcceptedResponse{
		Message: "proof accepted for processing",
		TaskID:  proof.TaskID,
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var proofs []qos.QoSProof
	if err := json.NewDecoder(r.Body).Decode(&proofs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(proofs) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch", "body must be a non-empty array")
		return
	}

	now := s.clock.Now()
	results := make([]BatchResult, 0, len(proofs))
	for _, proof := range proofs {
		if proof.TaskID == "" || proof.VerifierID == "" {
			results = append(results, BatchResult{TaskID: proof.TaskID, Status: "failed", Error: "missing taskId or verifierId"})
			continue
		}

		qr := validator.QuickValidate(proof, now)
		if !qr.Valid {
			results = append(results, BatchResult{TaskID: proof.TaskID, Status: "rejected", Error: qr.Details})
			continue
		}

		s.node.IngestProof(proof)
		results = append(results, BatchResult{TaskID: proof.TaskID, Status: "accepted"})
	}

	respondJSON(w, http.StatusAccepted, BatchResponse{
		Message: fmt.Sprintf("processed %d proofs", len(proofs)),
		Results: results,
	})
}

func (s *Server) handleSubmitSupplementary(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	var proof qos.QoSProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if proof.VerifierID == "" {
		respondError(w, http.StatusBadRequest, "missing field", "verifierId is required")
		return
	}

	// Server overwrites proof.taskId with the URL param (spec §6).
	proof.TaskID = taskID

	s.node.IngestSupplementary(taskID, proof)
	if s.logger != nil {
		s.logger.Infow("supplementary_submitted", "taskId", taskID, "verifierId", proof.VerifierID)
	}

	respondJSON(w, http.StatusAccepted, AcceptedResponse{
		Message: "supplementary proof accepted for processing",
		TaskID:  taskID,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	status, ok := s.node.TaskStatus(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown task", taskID)
		return
	}

	respondJSON(w, http.StatusOK, TaskStatusResponse{
		TaskID:       status.TaskID,
		State:        status.State.HumanTag(),
		ProofCount:   status.ProofCount,
		VerifierIDs:  status.VerifierIDs,
		CreatedAt:    status.CreatedAt.UnixMilli(),
		UpdatedAt:    status.UpdatedAt.UnixMilli(),
		ConflictInfo: status.ValidationInfo,
		Result:       status.Result,
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	respondJSON(w, status, errorResponse{Error: errMsg, Message: message})
}
