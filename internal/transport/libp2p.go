package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/WuDi329/one-node-committee/internal/pbft"
)

// protocolFrame carries every PBFT and supplementary envelope over a
// single persistent bidirectional stream per peer pair, framed as a
// 4-byte big-endian length prefix followed by a JSON payload.
const protocolFrame = protocol.ID("/committee/frame/1.0.0")

const maxFrameSize = 8 << 20 // 8 MiB, generous for a QoS proof payload

// PeerConfig names one committee peer reachable at a libp2p multiaddr
// (including its /p2p/<id> suffix).
type PeerConfig struct {
	NodeID string
	Addr   string
}

// Identity deterministically derives a libp2p Ed25519 identity from a
// committee node ID. The spec's PEERS config (nodeId:host:port) carries
// no libp2p peer ID, so every node instead derives its own and its
// peers' identities from the shared, already-known node IDs — nobody
// needs an out-of-band key exchange to dial a peer.
func Identity(nodeID string) (p2pcrypto.PrivKey, error) {
	seed := sha256.Sum256([]byte(nodeID))
	src := rand.NewSource(int64(binary.BigEndian.Uint64(seed[:8])))
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.New(src))
	if err != nil {
		return nil, fmt.Errorf("transport: derive identity for %q: %w", nodeID, err)
	}
	return priv, nil
}

// PeerID returns the libp2p peer ID a node ID deterministically derives
// to, so a dialer can append "/p2p/<id>" to a bare host:port multiaddr.
func PeerID(nodeID string) (peer.ID, error) {
	priv, err := Identity(nodeID)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

type peerStream struct {
	nodeID string
	s      network.Stream
	wmu    sync.Mutex
}

func (ps *peerStream) write(msg pbft.Message) error {
	ps.wmu.Lock()
	defer ps.wmu.Unlock()
	return writeFrame(ps.s, msg)
}

// Libp2pTransport implements Transport over libp2p streams, one
// persistent stream per peer pair, generalizing the unicast-stream
// pattern to every message type instead of gossipsub topics: the spec
// requires direct per-peer delivery, not topic broadcast.
type Libp2pTransport struct {
	h      host.Host
	self   string
	logger *zap.SugaredLogger

	configured []string

	mu      sync.Mutex
	streams map[string]*peerStream
	handler Handler
	closed  bool
}

// NewLibp2pTransport starts a libp2p host listening on listenAddr and
// dials every configured peer, holding one persistent stream per peer
// for the lifetime of the transport.
func NewLibp2pTransport(ctx context.Context, selfNodeID, listenAddr string, peers []PeerConfig, logger *zap.SugaredLogger) (*Libp2pTransport, error) {
	priv, err := Identity(selfNodeID)
	if err != nil {
		return nil, err
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if listenAddr != "" {
		maddr, err := ma.NewMultiaddr(listenAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: new host: %w", err)
	}

	t := &Libp2pTransport{
		h:       h,
		self:    selfNodeID,
		logger:  logger,
		streams: make(map[string]*peerStream),
	}
	for _, p := range peers {
		t.configured = append(t.configured, p.NodeID)
	}

	h.SetStreamHandler(protocolFrame, t.handleInboundStream)

	for _, p := range peers {
		if err := t.connectPeer(ctx, p); err != nil && logger != nil {
			logger.Warnw("peer_connect_failed", "node_id", p.NodeID, "addr", p.Addr, "err", err)
		}
	}

	if logger != nil {
		logger.Infow("transport_ready", "self", h.ID().String(), "listen", listenAddr, "peers", len(peers))
	}
	return t, nil
}

func (t *Libp2pTransport) connectPeer(ctx context.Context, pc PeerConfig) error {
	maddr, err := ma.NewMultiaddr(pc.Addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	if err := t.h.Connect(ctx, *info); err != nil {
		return err
	}
	stream, err := t.h.NewStream(ctx, info.ID, protocolFrame)
	if err != nil {
		return err
	}
	ps := &peerStream{nodeID: pc.NodeID, s: stream}
	if err := ps.write(pbft.Message{Type: FrameIdent, NodeID: t.self}); err != nil {
		stream.Close()
		return err
	}

	t.mu.Lock()
	t.streams[pc.NodeID] = ps
	t.mu.Unlock()

	go t.readLoop(ps)
	return nil
}

// handleInboundStream accepts an inbound stream and expects an IDENT
// frame identifying the remote node before any other traffic.
func (t *Libp2pTransport) handleInboundStream(s network.Stream) {
	msg, err := readFrame(s)
	if err != nil || msg.Type != FrameIdent {
		s.Close()
		return
	}
	ps := &peerStream{nodeID: msg.NodeID, s: s}

	t.mu.Lock()
	if existing, ok := t.streams[msg.NodeID]; ok {
		existing.s.Close()
	}
	t.streams[msg.NodeID] = ps
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Infow("peer_connected", "node_id", msg.NodeID)
	}
	t.readLoop(ps)
}

func (t *Libp2pTransport) readLoop(ps *peerStream) {
	defer t.dropStream(ps)
	for {
		msg, err := readFrame(ps.s)
		if err != nil {
			return
		}
		if msg.Type == FrameDisconnect {
			return
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (t *Libp2pTransport) dropStream(ps *peerStream) {
	ps.s.Close()
	t.mu.Lock()
	if cur, ok := t.streams[ps.nodeID]; ok && cur == ps {
		delete(t.streams, ps.nodeID)
	}
	t.mu.Unlock()
	if t.logger != nil {
		t.logger.Warnw("peer_disconnected", "node_id", ps.nodeID)
	}
}

func (t *Libp2pTransport) Broadcast(msg pbft.Message) error {
	t.mu.Lock()
	targets := make([]*peerStream, 0, len(t.streams))
	for _, ps := range t.streams {
		targets = append(targets, ps)
	}
	t.mu.Unlock()

	var firstErr error
	for _, ps := range targets {
		if err := ps.write(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Libp2pTransport) SendTo(nodeID string, msg pbft.Message) error {
	t.mu.Lock()
	ps, ok := t.streams[nodeID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no open stream to %q", nodeID)
	}
	return ps.write(msg)
}

func (t *Libp2pTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Libp2pTransport) Connections() ConnectionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]string, 0, len(t.streams))
	for id := range t.streams {
		peers = append(peers, id)
	}
	return ConnectionSnapshot{Total: len(t.configured), Connected: len(peers), Peers: peers}
}

func (t *Libp2pTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streams := make([]*peerStream, 0, len(t.streams))
	for _, ps := range t.streams {
		streams = append(streams, ps)
	}
	t.streams = make(map[string]*peerStream)
	t.mu.Unlock()

	for _, ps := range streams {
		_ = ps.write(pbft.Message{Type: FrameDisconnect, NodeID: t.self})
		ps.s.Close()
	}
	return t.h.Close()
}

var _ Transport = (*Libp2pTransport)(nil)

func writeFrame(w io.Writer, msg pbft.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("transport: frame too large (%d bytes)", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(r io.Reader) (pbft.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return pbft.Message{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return pbft.Message{}, fmt.Errorf("transport: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return pbft.Message{}, err
	}
	var msg pbft.Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return pbft.Message{}, err
	}
	return msg, nil
}
