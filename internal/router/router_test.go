package router

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"meshwork/internal/dht"
	"meshwork/internal/frame"
	"meshwork/internal/identity"
)

type fakeLinks struct {
	mu        sync.Mutex
	connected []identity.NodeID
	sent      map[identity.NodeID][][]byte
}

func newFakeLinks(peers ...identity.NodeID) *fakeLinks {
	return &fakeLinks{
		connected: peers,
		sent:      make(map[identity.NodeID][][]byte),
	}
}

func (l *fakeLinks) SendRaw(to identity.NodeID, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent[to] = append(l.sent[to], append([]byte(nil), b...))
	return nil
}

func (l *fakeLinks) Connected() []identity.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]identity.NodeID(nil), l.connected...)
}

func (l *fakeLinks) PeerAddr(identity.NodeID) string { return "" }

func (l *fakeLinks) sentTo(id identity.NodeID) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[id]
}

type nullSender struct{ self identity.NodeID }

func (s nullSender) Self() identity.NodeID { return s.self }
func (s nullSender) Send(identity.NodeID, frame.Type, []byte) error {
	return nil
}

type testNode struct {
	kp     *identity.KeyPair
	keys   *identity.Keyring
	engine *dht.DHT
	links  *fakeLinks
	r      *Router
}

func newTestNode(t *testing.T, cfg Config, connected ...identity.NodeID) *testNode {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	keys := identity.NewKeyring(kp)
	engine := dht.New(keys, 8, nil)
	engine.Routing().SetDiversityLimit(0)
	links := newFakeLinks(connected...)
	r := New(keys, engine, links, nullSender{self: kp.NodeID}, cfg, nil)
	return &testNode{kp: kp, keys: keys, engine: engine, links: links, r: r}
}

// introduce teaches n's keyring about peer and admits it to the table.
func (n *testNode) introduce(t *testing.T, peer *identity.KeyPair) {
	t.Helper()
	if err := n.keys.Learn(peer.NodeID, peer.SignPub, peer.AgreePub); err != nil {
		t.Fatal(err)
	}
	n.engine.Routing().Upsert(dht.Peer{ID: peer.NodeID, Addr: "10.0.0.1:9000"})
}

func signedFrame(t *testing.T, from *identity.KeyPair, dest identity.NodeID, typ frame.Type, ttl uint8, payload []byte) ([]byte, [frame.NonceBytes]byte) {
	t.Helper()
	nonce, err := frame.RandomNonce()
	if err != nil {
		t.Fatal(err)
	}
	f := &frame.Frame{
		Version: frame.Version,
		Type:    typ,
		TTL:     ttl,
		Sender:  from.NodeID,
		Dest:    dest,
		Nonce:   nonce,
		Payload: payload,
	}
	f.Sign(from.SignPriv)
	return f.Encode(), nonce
}

func TestRouter_DeliversEncryptedUnicast(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b.introduce(t, a)

	// Derive A's side of the session to seal the payload B will open.
	sessA, err := identity.DeriveSession(a.AgreePriv, b.kp.AgreePub, a.NodeID, b.kp.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("operational report")
	nonce, err := frame.RandomNonce()
	if err != nil {
		t.Fatal(err)
	}
	f := &frame.Frame{
		Version: frame.Version,
		Type:    frame.TData,
		TTL:     4,
		Sender:  a.NodeID,
		Dest:    b.kp.NodeID,
		Nonce:   nonce,
		Payload: sessA.Seal(nonce, plaintext),
	}
	f.Sign(a.SignPriv)

	b.r.process(a.NodeID, f.Encode())

	select {
	case d := <-b.r.Deliveries():
		if d.Sender != a.NodeID {
			t.Fatalf("delivery attributed to %s, want %s", d.Sender.Short(), a.NodeID.Short())
		}
		if !bytes.Equal(d.Payload, plaintext) {
			t.Fatalf("payload = %q, want %q", d.Payload, plaintext)
		}
	default:
		t.Fatal("no delivery for valid unicast frame")
	}
}

func TestRouter_DuplicateDeliveredOnce(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b.introduce(t, a)

	raw, _ := signedFrame(t, a, identity.Broadcast, frame.TData, 3, []byte("announce"))

	b.r.process(a.NodeID, raw)
	b.r.process(a.NodeID, raw)

	if got := b.r.Stats().Delivered; got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if got := b.r.Stats().ReplayDrops; got != 1 {
		t.Fatalf("replay drops = %d, want 1", got)
	}
}

func TestRouter_UnknownSenderDropped(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	stranger, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	// Keyring never learns the stranger's keys.
	raw, _ := signedFrame(t, stranger, b.kp.NodeID, frame.TData, 3, []byte("hi"))

	b.r.process(stranger.NodeID, raw)

	if got := b.r.Stats().UnknownDrops; got != 1 {
		t.Fatalf("unknown-sender drops = %d, want 1", got)
	}
	if got := b.r.Stats().Delivered; got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
}

func TestRouter_ForgedSignatureDeniesAfterThreshold(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b.introduce(t, a)

	for i := 0; i < 3; i++ {
		raw, _ := signedFrame(t, a, identity.Broadcast, frame.TData, 3, []byte("x"))
		raw[len(raw)-1] ^= 0x80 // corrupt signed payload bytes
		b.r.process(a.NodeID, raw)
	}

	if got := b.r.Stats().AuthDrops; got != 3 {
		t.Fatalf("auth drops = %d, want 3", got)
	}
	if !b.engine.Routing().Denied(a.NodeID) {
		t.Fatal("sender not deny-listed after repeated signature failures")
	}

	// Even a validly signed frame is now refused.
	raw, _ := signedFrame(t, a, identity.Broadcast, frame.TData, 3, []byte("y"))
	b.r.process(a.NodeID, raw)
	if got := b.r.Stats().Delivered; got != 0 {
		t.Fatalf("delivered = %d after deny-listing, want 0", got)
	}
}

func TestRouter_ForwardDecrementsTTLKeepsSignature(t *testing.T) {
	c, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := newTestNode(t, DefaultConfig(), c.NodeID)
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b.introduce(t, a)
	b.introduce(t, c)

	raw, _ := signedFrame(t, a, c.NodeID, frame.TData, 5, []byte("relay me"))
	b.r.process(a.NodeID, raw)

	sent := b.links.sentTo(c.NodeID)
	if len(sent) != 1 {
		t.Fatalf("frames forwarded to next hop = %d, want 1", len(sent))
	}
	fwd, err := frame.Decode(sent[0], 0)
	if err != nil {
		t.Fatalf("forwarded frame does not decode: %v", err)
	}
	if fwd.TTL != 4 {
		t.Fatalf("forwarded TTL = %d, want 4", fwd.TTL)
	}
	if !fwd.VerifySignature(a.SignPub) {
		t.Fatal("origin signature broken by TTL decrement")
	}
	if got := b.r.Stats().Delivered; got != 0 {
		t.Fatal("transit frame delivered locally")
	}
}

func TestRouter_TTLZeroDeliveredNotForwarded(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b.introduce(t, a)

	// A flood frame arriving with TTL 0 is at its final hop.
	raw, _ := signedFrame(t, a, identity.Broadcast, frame.TData, 0, []byte("last hop"))
	b.r.process(a.NodeID, raw)

	if got := b.r.Stats().Delivered; got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if got := b.r.Stats().TTLDrops; got != 1 {
		t.Fatalf("ttl drops = %d, want 1", got)
	}
	if got := b.r.Stats().Forwarded; got != 0 {
		t.Fatalf("forwarded = %d, want 0", got)
	}
}

func TestRouter_FloodSkipsArrivalLinkAndOrigin(t *testing.T) {
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	d, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := newTestNode(t, DefaultConfig(), a.NodeID, d.NodeID)
	b.introduce(t, a)
	b.introduce(t, d)

	raw, _ := signedFrame(t, a, identity.Broadcast, frame.TData, 3, []byte("flood"))
	b.r.process(a.NodeID, raw)

	if got := len(b.links.sentTo(a.NodeID)); got != 0 {
		t.Fatalf("flood echoed back to origin link %d times", got)
	}
	if got := len(b.links.sentTo(d.NodeID)); got != 1 {
		t.Fatalf("flood relayed to other peer %d times, want 1", got)
	}
}

func TestRouter_OwnEchoIgnored(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	other, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := signedFrame(t, b.kp, identity.Broadcast, frame.TData, 3, []byte("mine"))

	b.r.process(other.NodeID, raw)

	s := b.r.Stats()
	if s.Delivered != 0 || s.Forwarded != 0 {
		t.Fatalf("own echo acted on: delivered=%d forwarded=%d", s.Delivered, s.Forwarded)
	}
}

func TestRouter_MalformedFrameCounted(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	from, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	b.r.process(from.NodeID, []byte{0x01, 0x02})

	if got := b.r.Stats().DecodeDrops; got != 1 {
		t.Fatalf("decode drops = %d, want 1", got)
	}
}

func TestRouter_RunStopsOnCancel(t *testing.T) {
	b := newTestNode(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
