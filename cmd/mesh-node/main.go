package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshwork/internal/config"
	"meshwork/internal/netx"
	"meshwork/internal/node"
	"meshwork/internal/peerstore"
)

func main() {
	var (
		cfgPath    string
		listen     string
		name       string
		bootstraps []string
		debug      bool
	)

	root := &cobra.Command{
		Use:   "mesh-node",
		Short: "Run a meshwork node",
		Long:  "mesh-node joins the mesh, relays frames for its neighbors, and exchanges end-to-end encrypted messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if name != "" {
				cfg.Name = name
			}
			if len(bootstraps) > 0 {
				cfg.Bootstraps = bootstraps
			}
			return run(cfg, debug)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	root.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	root.Flags().StringVarP(&name, "name", "n", "", "display name (overrides config)")
	root.Flags().StringSliceVarP(&bootstraps, "bootstrap", "b", nil, "bootstrap address, repeatable")
	root.Flags().BoolVar(&debug, "debug", false, "verbose logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = nil
	return zc.Build()
}

func run(cfg config.Config, debug bool) error {
	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := peerstore.Open(filepath.Join(cfg.DataDir, "peers.db"))
	if err != nil {
		return fmt.Errorf("open peer store: %w", err)
	}
	defer store.Close()

	boots := make([]netx.Addr, 0, len(cfg.Bootstraps))
	for _, b := range cfg.Bootstraps {
		if b != "" {
			boots = append(boots, netx.Addr(b))
		}
	}

	n, err := node.New(node.Config{
		Name:              cfg.Name,
		Network:           netx.NewTCPNetwork(),
		BindAddr:          cfg.Listen,
		Bootstraps:        boots,
		BucketK:           cfg.BucketK,
		MinPeers:          cfg.MinPeers,
		MaxTTL:            cfg.MaxTTL,
		MaxFrameSize:      cfg.MaxFrameSize,
		FloodFanout:       cfg.FloodFanout,
		ReplayWindow:      cfg.ReplayWindow,
		ProbeTimeout:      cfg.ProbeTimeout,
		DiscoveryInterval: cfg.DiscoveryInterval,
		Store:             store,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	fmt.Printf("node up\n")
	fmt.Printf("  id:   %s\n", n.ID().Hex())
	fmt.Printf("  addr: %s\n\n", n.ListenAddr())
	printHelp()

	go watchEvents(n, log)
	go printIncoming(n)
	go repl(n)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

func watchEvents(n *node.Node, log *zap.Logger) {
	for e := range n.Events() {
		switch e.Type {
		case node.EventLinkUp:
			log.Info("link up", zap.String("peer", short(e.PeerID)), zap.String("name", e.PeerName))
		case node.EventLinkDown:
			log.Info("link down", zap.String("peer", short(e.PeerID)), zap.String("name", e.PeerName))
		}
	}
}

func printIncoming(n *node.Node) {
	for d := range n.Incoming() {
		fmt.Printf("[%s] %s\n", d.Sender.Short(), d.Payload)
	}
}
