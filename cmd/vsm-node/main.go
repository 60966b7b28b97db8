// Command vsm-node runs one node of the distributed hypervisor: it
// joins the cluster over the configured interconnect and serves its
// slice of guest memory and vCPUs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/irqchip"
	"github.com/tinyrange/vsm/internal/localnode"
	"github.com/tinyrange/vsm/internal/msg"
)

func main() {
	var (
		configPath = flag.String("config", "cluster.yaml", "cluster config file")
		nodeID     = flag.Int("node", 0, "this node's id in the config")
		ifname     = flag.String("iface", "", "network interface for the cluster interconnect")
		pcapPath   = flag.String("pcap", "", "write interconnect frames to a pcap file")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	if err := run(log, *configPath, *nodeID, *ifname, *pcapPath); err != nil {
		log.Error("vsm-node failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string, nodeID int, ifname, pcapPath string) error {
	cfg, err := cluster.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if ifname == "" {
		return fmt.Errorf("an interconnect interface is required (-iface)")
	}
	carrier, err := newInterfaceCarrier(ifname)
	if err != nil {
		return err
	}

	if pcapPath != "" {
		f, err := os.Create(pcapPath)
		if err != nil {
			return err
		}
		defer f.Close()
		carrier, err = msg.NewCaptureCarrier(carrier, f)
		if err != nil {
			return err
		}
		log.Info("capturing interconnect frames", "path", pcapPath)
	}

	node, err := localnode.New(cfg, nodeID, carrier, irqchip.NewSoftChip(192), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("joining cluster", "node", nodeID, "nodes", len(cfg.Nodes), "iface", ifname)
	if err := node.Join(ctx); err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}

	return node.Run(ctx)
}
