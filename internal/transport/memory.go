package transport

import (
	"fmt"
	"sync"

	"github.com/WuDi329/one-node-committee/internal/pbft"
)

// Hub wires a set of MemoryTransports together in-process, so the task
// pipeline can be exercised end-to-end in tests without a real network.
type Hub struct {
	mu     sync.Mutex
	byNode map[string]*MemoryTransport
}

// NewHub creates an empty in-process network.
func NewHub() *Hub {
	return &Hub{byNode: make(map[string]*MemoryTransport)}
}

// Register adds a node's transport to the hub, making it reachable by
// every other registered transport's Broadcast/SendTo, and starts the
// goroutine that delivers its inbound messages.
func (h *Hub) Register(nodeID string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &MemoryTransport{
		nodeID: nodeID,
		hub:    h,
		inbox:  make(chan pbft.Message, 256),
		done:   make(chan struct{}),
	}
	h.byNode[nodeID] = t
	go t.run()
	return t
}

func (h *Hub) peers(exclude string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id := range h.byNode {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (h *Hub) deliver(nodeID string, msg pbft.Message) error {
	h.mu.Lock()
	t, ok := h.byNode[nodeID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", nodeID)
	}
	select {
	case t.inbox <- msg:
	case <-t.done:
	}
	return nil
}

// MemoryTransport is a Transport backed by an in-process hub instead of
// a real socket. Each transport drains its own inbound queue on a
// dedicated goroutine, so Broadcast/SendTo never call a peer's handler
// from the sender's own call stack: on a real network a reply always
// arrives on a different goroutine than the one that sent the original
// message, and a quorum completing mid-call can route a message straight
// back to its own node, which same-stack synchronous delivery would
// deadlock on (pipeline.Node locks one mutex per node, and Go's
// sync.Mutex is not reentrant).
type MemoryTransport struct {
	nodeID string
	hub    *Hub

	inbox chan pbft.Message
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	handler Handler
}

func (t *MemoryTransport) run() {
	for {
		select {
		case msg := <-t.inbox:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) Broadcast(msg pbft.Message) error {
	var firstErr error
	for _, peer := range t.hub.peers(t.nodeID) {
		if err := t.hub.deliver(peer, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *MemoryTransport) SendTo(nodeID string, msg pbft.Message) error {
	return t.hub.deliver(nodeID, msg)
}

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Connections() ConnectionSnapshot {
	peers := t.hub.peers(t.nodeID)
	return ConnectionSnapshot{Total: len(peers), Connected: len(peers), Peers: peers}
}

func (t *MemoryTransport) Close() error {
	t.hub.mu.Lock()
	delete(t.hub.byNode, t.nodeID)
	t.hub.mu.Unlock()
	t.once.Do(func() { close(t.done) })
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
