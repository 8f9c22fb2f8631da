// Package node assembles the mesh stack: secured transport links, the
// routing table and discovery engine, and the frame router, behind one
// lifecycle.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"go.uber.org/zap"

	"meshwork/internal/dht"
	"meshwork/internal/identity"
	"meshwork/internal/netx"
	"meshwork/internal/peerstore"
	"meshwork/internal/router"
)

type Config struct {
	Name       string       // user-facing name
	Network    netx.Network // transport implementation
	BindAddr   string       // e.g. ":0" to choose a random port
	Bootstraps []netx.Addr  // known peers to try on startup

	BucketK      int
	MinPeers     int
	MaxTTL       uint8
	MaxFrameSize int
	FloodFanout  int

	ReplayWindow      time.Duration
	ProbeTimeout      time.Duration
	DiscoveryInterval time.Duration

	Store  *peerstore.Store // optional peer persistence
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.BucketK <= 0 {
		c.BucketK = 20
	}
	if c.MinPeers <= 0 {
		c.MinPeers = 4
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 16
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 8192
	}
	if c.FloodFanout <= 0 {
		c.FloodFanout = 8
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Node struct {
	cfg  Config
	log  *zap.Logger
	kp   *identity.KeyPair
	keys *identity.Keyring

	// Noise static key for link handshakes, bound to the signing identity
	// by the signature carried in the handshake payload. Fresh per process.
	noiseStatic noise.DHKey

	engine *dht.DHT
	router *router.Router

	addr netx.Addr

	mu    sync.RWMutex
	links map[identity.NodeID]*link

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
}

func New(cfg Config) (*Node, error) {
	cfg.applyDefaults()
	if cfg.Network == nil {
		return nil, fmt.Errorf("node: a transport network is required")
	}

	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	static, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("node: generate noise static key: %w", err)
	}

	keys := identity.NewKeyring(kp)
	log := cfg.Logger.Named("node").With(zap.String("self", kp.NodeID.Short()))

	engine := dht.New(keys, cfg.BucketK, cfg.Logger,
		dht.WithProbeTimeout(cfg.ProbeTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:         cfg,
		log:         log,
		kp:          kp,
		keys:        keys,
		noiseStatic: static,
		engine:      engine,
		links:       make(map[identity.NodeID]*link),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan Event, 128),
	}
	n.router = router.New(keys, engine, n, n, router.Config{
		MaxTTL:       cfg.MaxTTL,
		MaxPayload:   cfg.MaxFrameSize,
		ReplayWindow: cfg.ReplayWindow,
		FloodFanout:  cfg.FloodFanout,
	}, cfg.Logger)
	return n, nil
}

// ID returns this node's mesh identity.
func (n *Node) ID() identity.NodeID { return n.kp.NodeID }

// Keys exposes the keyring, mainly for tests and diagnostics.
func (n *Node) Keys() *identity.Keyring { return n.keys }

// DHT exposes the discovery engine.
func (n *Node) DHT() *dht.DHT { return n.engine }

// ListenAddr returns where this node is listening.
func (n *Node) ListenAddr() netx.Addr { return n.addr }

// Incoming returns validated, decrypted application payloads.
func (n *Node) Incoming() <-chan router.Delivery { return n.router.Deliveries() }

// Events returns lifecycle events for logging and tests.
func (n *Node) Events() <-chan Event { return n.events }

// RouterStats returns the frame pipeline counters.
func (n *Node) RouterStats() router.StatsSnapshot { return n.router.Stats() }

// Start brings the node online: listen, route, discover, maintain.
func (n *Node) Start() error {
	addr, err := n.cfg.Network.Listen(n.cfg.BindAddr)
	if err != nil {
		return err
	}
	n.addr = addr
	n.log.Info("listening", zap.String("addr", string(addr)))

	go n.router.Run(n.ctx)
	go n.acceptLoop()
	go n.discoveryLoop()

	maint := dht.DefaultMaintenanceConfig()
	go n.engine.RunMaintenance(n.ctx, n, maint)

	return nil
}

// Stop shuts the node down and closes all links.
func (n *Node) Stop() error {
	n.cancel()

	n.mu.Lock()
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()
	for _, l := range links {
		n.removeLink(l.id)
	}

	return n.cfg.Network.Close()
}

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		// never block the data path on a slow event consumer
	}
}
