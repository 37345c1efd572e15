package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Peer is one other committee member reachable over the transport.
type Peer struct {
	NodeID string
	Host   string
	Port   int
}

// Config is the node's committee membership and listen configuration,
// loaded from the environment per the node's external interface contract.
type Config struct {
	NodeID     string
	IsLeader   bool
	LeaderID   string
	Port       int
	HTTPPort   int
	TotalNodes int
	Peers      []Peer
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{
		NodeID:     getEnv("NODE_ID", "node-1"),
		IsLeader:   getEnv("IS_LEADER", "false") == "true",
		LeaderID:   getEnv("LEADER_ID", "node-1"),
		Port:       5000,
		TotalNodes: 4,
	}

	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", p, err)
		}
		cfg.Port = port
	}
	cfg.HTTPPort = cfg.Port + 1000

	if n := os.Getenv("TOTAL_NODES"); n != "" {
		total, err := strconv.Atoi(n)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TOTAL_NODES %q: %w", n, err)
		}
		cfg.TotalNodes = total
	}

	peers, err := parsePeers(os.Getenv("PEERS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Peers = peers

	return cfg, nil
}

// parsePeers parses a comma list of "nodeId:host:port" entries.
func parsePeers(raw string) ([]Peer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var peers []Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid PEERS entry %q: want nodeId:host:port", entry)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid PEERS entry %q: %w", entry, err)
		}
		peers = append(peers, Peer{NodeID: parts[0], Host: parts[1], Port: port})
	}
	return peers, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Quorum returns the PBFT fault tolerance f and quorum threshold tau
// for the configured committee size.
func Quorum(totalNodes int) (f, tau int) {
	f = (totalNodes - 1) / 3
	tau = 2*f + 1
	return f, tau
}
