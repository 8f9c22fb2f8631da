package node

import (
	"bytes"
	"testing"
	"time"

	"meshwork/internal/identity"
	"meshwork/internal/netx"
	"meshwork/internal/router"
)

func newTestNode(t *testing.T, fabric *netx.MemFabric, name string, bootstraps ...netx.Addr) *Node {
	t.Helper()
	return newTestNodeMin(t, fabric, name, 1, bootstraps...)
}

// newTestNodeMin sets the under-connection threshold explicitly; tests that
// must keep a fixed topology use 1 so discovery does not add links.
func newTestNodeMin(t *testing.T, fabric *netx.MemFabric, name string, minPeers int, bootstraps ...netx.Addr) *Node {
	t.Helper()
	n, err := New(Config{
		Name:              name,
		Network:           fabric.Network(),
		BindAddr:          ":0",
		Bootstraps:        bootstraps,
		MinPeers:          minPeers,
		DiscoveryInterval: 50 * time.Millisecond,
		ProbeTimeout:      500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForLinks(t *testing.T, n *Node, count int) {
	t.Helper()
	waitFor(t, "links", func() bool { return n.LinkCount() >= count })
}

// crossLearn runs a direct FIND_NODE against via so each side of a
// multi-hop path learns the other's keys, the way discovery does.
func crossLearn(t *testing.T, n *Node, via, target identity.NodeID) {
	t.Helper()
	waitFor(t, "key propagation", func() bool {
		w, err := n.DHT().QueryFindNode(n, via, target, time.Second)
		if err != nil {
			return false
		}
		for _, rec := range w.Nodes {
			n.DHT().ValidateRecord(rec)
		}
		return n.Keys().Knows(target)
	})
}

func recvDelivery(t *testing.T, n *Node) router.Delivery {
	t.Helper()
	select {
	case d := <-n.Incoming():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return router.Delivery{}
	}
}

func TestTwoNodes_EncryptedExchange(t *testing.T) {
	fabric := netx.NewMemFabric()
	a := newTestNode(t, fabric, "alpha")
	b := newTestNode(t, fabric, "bravo", a.ListenAddr())

	waitForLinks(t, a, 1)
	waitForLinks(t, b, 1)

	msg := []byte("meet at the north relay")
	if err := a.SendMessage(b.ID(), msg); err != nil {
		t.Fatal(err)
	}

	d := recvDelivery(t, b)
	if d.Sender != a.ID() {
		t.Fatalf("delivery from %s, want %s", d.Sender.Short(), a.ID().Short())
	}
	if !bytes.Equal(d.Payload, msg) {
		t.Fatalf("payload %q, want %q", d.Payload, msg)
	}

	// And the other direction over the same session keys.
	reply := []byte("confirmed")
	if err := b.SendMessage(a.ID(), reply); err != nil {
		t.Fatal(err)
	}
	if d := recvDelivery(t, a); !bytes.Equal(d.Payload, reply) {
		t.Fatalf("reply payload %q, want %q", d.Payload, reply)
	}
}

func TestRelay_TwoHopUnicast(t *testing.T) {
	fabric := netx.NewMemFabric()
	b := newTestNode(t, fabric, "relay")
	a := newTestNode(t, fabric, "alpha", b.ListenAddr())
	c := newTestNode(t, fabric, "charlie", b.ListenAddr())

	waitForLinks(t, b, 2)

	// a and c have no direct link; keys travel through discovery records.
	crossLearn(t, a, b.ID(), c.ID())
	crossLearn(t, c, b.ID(), a.ID())

	msg := []byte("relayed hello")
	if err := a.SendMessage(c.ID(), msg); err != nil {
		t.Fatal(err)
	}

	d := recvDelivery(t, c)
	if d.Sender != a.ID() {
		t.Fatalf("delivery from %s, want origin %s", d.Sender.Short(), a.ID().Short())
	}
	if !bytes.Equal(d.Payload, msg) {
		t.Fatalf("payload %q, want %q", d.Payload, msg)
	}
	// The relay forwarded but could not read it.
	waitFor(t, "relay forward counter", func() bool {
		return b.RouterStats().Forwarded >= 1
	})
	if got := b.RouterStats().Delivered; got != 0 {
		t.Fatalf("relay delivered %d transit frames locally", got)
	}
}

func TestBroadcast_ReachesAllAndSuppressesEcho(t *testing.T) {
	fabric := netx.NewMemFabric()
	b := newTestNode(t, fabric, "hub")
	a := newTestNode(t, fabric, "alpha", b.ListenAddr())
	c := newTestNode(t, fabric, "charlie", b.ListenAddr())

	waitForLinks(t, b, 2)
	crossLearn(t, c, b.ID(), a.ID())

	msg := []byte("mesh-wide notice")
	if err := a.Broadcast(msg); err != nil {
		t.Fatal(err)
	}

	if d := recvDelivery(t, b); !bytes.Equal(d.Payload, msg) {
		t.Fatalf("hub got %q", d.Payload)
	}
	if d := recvDelivery(t, c); !bytes.Equal(d.Payload, msg) {
		t.Fatalf("leaf got %q", d.Payload)
	}

	// The flood settles: nobody delivers the same nonce twice.
	time.Sleep(200 * time.Millisecond)
	select {
	case d := <-a.Incoming():
		t.Fatalf("origin received its own broadcast back: %q", d.Payload)
	default:
	}
	if got := b.RouterStats().Delivered; got != 1 {
		t.Fatalf("hub delivered %d times, want 1", got)
	}
}

func TestDiscovery_ExpandsBeyondBootstrap(t *testing.T) {
	fabric := netx.NewMemFabric()
	b := newTestNode(t, fabric, "seed")
	a := newTestNodeMin(t, fabric, "alpha", 3, b.ListenAddr())
	c := newTestNodeMin(t, fabric, "charlie", 3, b.ListenAddr())

	// a and c only know the seed. Discovery lookups should surface each
	// other's records and dial them.
	waitForLinks(t, a, 2)
	waitForLinks(t, c, 2)

	if !a.hasLink(c.ID()) && !c.hasLink(a.ID()) {
		t.Fatal("discovery never linked the two leaves")
	}
}

func TestFloodTTLDecay(t *testing.T) {
	fabric := netx.NewMemFabric()
	newHopNode := func(name string, bootstraps ...netx.Addr) *Node {
		n, err := New(Config{
			Name:              name,
			Network:           fabric.Network(),
			BindAddr:          ":0",
			Bootstraps:        bootstraps,
			MaxTTL:            1,
			MinPeers:          1,
			DiscoveryInterval: time.Hour, // keep the line topology fixed
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := n.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { n.Stop() })
		return n
	}

	// Line topology: a - b - c - d.
	a := newHopNode("a")
	b := newHopNode("b", a.ListenAddr())
	c := newHopNode("c", b.ListenAddr())
	d := newHopNode("d", c.ListenAddr())

	waitFor(t, "line topology", func() bool {
		return b.LinkCount() == 2 && c.LinkCount() == 2 && d.LinkCount() == 1
	})
	// c needs a's keys to verify its flood frames.
	crossLearn(t, c, b.ID(), a.ID())

	// TTL 1 reaches b (one hop) and c (arrives with TTL 0, final hop), but
	// c must not relay it on to d.
	if err := a.Broadcast([]byte("short fuse")); err != nil {
		t.Fatal(err)
	}

	recvDelivery(t, b)
	recvDelivery(t, c)

	waitFor(t, "ttl drop at final hop", func() bool {
		return c.RouterStats().TTLDrops >= 1
	})
	time.Sleep(200 * time.Millisecond)
	if got := d.RouterStats(); got != (router.StatsSnapshot{}) {
		t.Fatalf("last node saw traffic past the TTL horizon: %+v", got)
	}
}

func TestDeniedPeerCannotReconnect(t *testing.T) {
	fabric := netx.NewMemFabric()
	a := newTestNode(t, fabric, "alpha")
	b := newTestNode(t, fabric, "bravo", a.ListenAddr())

	waitForLinks(t, a, 1)

	a.DHT().Routing().NoteAuthFailure(b.ID())
	a.DHT().Routing().NoteAuthFailure(b.ID())
	a.DHT().Routing().NoteAuthFailure(b.ID())
	if !a.DHT().Routing().Denied(b.ID()) {
		t.Fatal("peer not denied after threshold")
	}
	a.removeLink(b.ID())

	// b redials; a must refuse the link during identity validation.
	_ = b.ConnectTo(a.ListenAddr())
	time.Sleep(200 * time.Millisecond)
	if a.hasLink(b.ID()) {
		t.Fatal("deny-listed peer re-established a link")
	}
}
