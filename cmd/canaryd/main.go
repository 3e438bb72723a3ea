// Command canaryd launches a single cluster member: it wires the
// static peer table and role from flags/environment into a
// node.Config, then starts the 2PC engine, the peer transport, and
// the HTTP data plane. This wiring is peripheral per SPEC_FULL.md 6.3 —
// the interesting part is pkg/canary/node.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/andrestc/canary2pc/pkg/canary/definition"
	"github.com/andrestc/canary2pc/pkg/canary/dataplane"
	"github.com/andrestc/canary2pc/pkg/canary/metrics"
	"github.com/andrestc/canary2pc/pkg/canary/node"
	"github.com/andrestc/canary2pc/pkg/canary/statelog"
	"github.com/andrestc/canary2pc/pkg/canary/transport"
)

type options struct {
	NodeID      string `long:"node-id" env:"CANARY_NODE_ID" required:"true" description:"this node's id"`
	Role        string `long:"role" env:"CANARY_ROLE" required:"true" description:"coordinator or participant"`
	Peers       string `long:"peers" env:"CANARY_PEERS" required:"true" description:"comma-separated id=host:port entries for every node, including self"`
	ControlHost string `long:"control-host" env:"CANARY_CONTROL_HOST" default:"0.0.0.0" description:"control-plane bind host"`
	ControlPort int    `long:"control-port" env:"CANARY_CONTROL_PORT" required:"true" description:"control-plane TCP port"`
	DataPort    int    `long:"data-port" env:"CANARY_DATA_PORT" required:"true" description:"HTTP data-plane port"`
	LogDir      string `long:"log-dir" env:"CANARY_LOG_DIR" default:"./canary-log" description:"durable log directory"`
	InitModel   string `long:"initial-model" env:"CANARY_INITIAL_MODEL" default:"v1" description:"bootstrap model id"`
}

func parsePeers(raw string) (map[string]transport.Addr, error) {
	peers := make(map[string]transport.Addr)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", entry)
		}
		hostPort := strings.SplitN(parts[1], ":", 2)
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("malformed peer address %q, want host:port", parts[1])
		}
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return nil, fmt.Errorf("malformed peer port in %q: %w", entry, err)
		}
		peers[parts[0]] = transport.Addr{Host: hostPort[0], Port: port}
	}
	return peers, nil
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	log := definition.NewDefaultLogger(opts.NodeID)

	peers, err := parsePeers(opts.Peers)
	if err != nil {
		log.Fatalf("canaryd: %v", err)
	}

	cfg := node.Config{
		NodeID:         opts.NodeID,
		Role:           node.Role(opts.Role),
		Peers:          peers,
		ControlHost:    opts.ControlHost,
		ControlPort:    opts.ControlPort,
		DataPort:       opts.DataPort,
		LogDir:         opts.LogDir,
		InitialModelID: opts.InitModel,
	}.WithDefaults()

	slog, err := statelog.Open(cfg.LogDir, cfg.NodeID)
	if err != nil {
		log.Fatalf("canaryd: open log: %v", err)
	}

	trans := transport.NewTCPMesh(cfg.NodeID, cfg.Peers, log)
	health := node.NewRandomWalkHealth(time.Now().UnixNano())
	m := metrics.New(cfg.NodeID)

	n, err := node.New(cfg, log, slog, trans, m, health)
	if err != nil {
		log.Fatalf("canaryd: init node: %v", err)
	}

	if err := n.Start(); err != nil {
		log.Fatalf("canaryd: start node: %v", err)
	}
	defer n.Stop()

	server := dataplane.NewServer(n, m.Registry)
	addr := fmt.Sprintf("%s:%d", cfg.ControlHost, cfg.DataPort)
	log.Infof("canaryd: node %s serving data plane on %s", cfg.NodeID, addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("canaryd: data plane: %v", err)
	}
}
