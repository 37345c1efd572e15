// Command committee-node runs one replica of the media-transcoding QoS
// attestation committee: it loads its membership from the environment,
// joins the other replicas over libp2p, and serves the HTTP ingress
// surface that verifiers and dashboards talk to.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/WuDi329/one-node-committee/internal/config"
	"github.com/WuDi329/one-node-committee/internal/events"
	"github.com/WuDi329/one-node-committee/internal/ingress"
	"github.com/WuDi329/one-node-committee/internal/pipeline"
	"github.com/WuDi329/one-node-committee/internal/signing"
	"github.com/WuDi329/one-node-committee/internal/transport"
	"github.com/WuDi329/one-node-committee/internal/util"
)

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = fmt.Sprintf("data/%s.log", cfg.NodeID)
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "node_id", cfg.NodeID, "log_file", logFile)

	signer, err := loadSigner()
	if err != nil {
		sugar.Fatalw("signer_init_failed", "err", err)
	}
	sugar.Infow("signer_ready", "address", signer.Address().Hex())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := newTransport(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("transport_init_failed", "err", err)
	}
	defer tp.Close()

	durableSink, closeSink, err := newEventSink()
	if err != nil {
		sugar.Fatalw("event_sink_init_failed", "err", err)
	}
	if closeSink != nil {
		defer closeSink()
	}

	// Fan every audit event out to the WebSocket dashboard feed as well
	// as the durable sink. wsSink is unbound until the server exists.
	wsSink := ingress.NewEventSink()
	sink := events.MultiSink{durableSink, wsSink}

	node := pipeline.NewNode(cfg.NodeID, cfg.IsLeader, cfg.LeaderID, cfg.TotalNodes, tp, sink, util.RealClock{}, signer.Sign, sugar)
	tp.SetHandler(node.HandleMessage)

	server := ingress.NewServer(node, tp, util.RealClock{}, sugar)
	wsSink.Bind(server)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	go func() {
		sugar.Infow("ingress_starting", "addr", httpAddr)
		if err := server.Start(httpAddr); err != nil {
			sugar.Fatalw("ingress_failed", "err", err)
		}
	}()

	go node.RunGCLoop(ctx)

	sugar.Infow("node_started",
		"node_id", cfg.NodeID,
		"is_leader", cfg.IsLeader,
		"leader_id", cfg.LeaderID,
		"total_nodes", cfg.TotalNodes,
		"peers", len(cfg.Peers))

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting_down")
			return
		case <-ticker.C:
			conns := tp.Connections()
			sugar.Infow("committee_progress",
				"pbft_state", node.PBFTState().String(),
				"connected_peers", conns.Connected,
				"total_peers", conns.Total)
		}
	}
}

// loadSigner builds the node's signing identity from SIGNING_KEY (a hex
// secp256k1 private key) or generates an ephemeral one for development.
func loadSigner() (*signing.Signer, error) {
	if hexKey := os.Getenv("SIGNING_KEY"); hexKey != "" {
		return signing.FromPrivateKeyHex(hexKey)
	}
	return signing.GenerateKey()
}

// newTransport builds the libp2p transport from the node's PEERS
// configuration, deriving every peer's libp2p identity deterministically
// from its node ID (see transport.Identity).
func newTransport(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*transport.Libp2pTransport, error) {
	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)

	peers := make([]transport.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerID, err := transport.PeerID(p.NodeID)
		if err != nil {
			return nil, fmt.Errorf("derive peer id for %s: %w", p.NodeID, err)
		}
		addr := fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", p.Host, p.Port, peerID.String())
		peers = append(peers, transport.PeerConfig{NodeID: p.NodeID, Addr: addr})
	}

	return transport.NewLibp2pTransport(ctx, cfg.NodeID, listenAddr, peers, logger)
}

// newEventSink opens a durable pebble-backed audit log when
// EVENTS_DB_PATH is set, otherwise an in-memory sink for development.
func newEventSink() (events.Sink, func(), error) {
	path := os.Getenv("EVENTS_DB_PATH")
	if path == "" {
		return events.NewMemorySink(), nil, nil
	}
	sink, err := events.NewPebbleSink(path)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() { _ = sink.Close() }, nil
}
