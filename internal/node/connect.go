package node

import (
	"go.uber.org/zap"

	"meshwork/internal/netx"
)

func (n *Node) acceptLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		conn, err := n.cfg.Network.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
			default:
				n.log.Debug("accept error", zap.Error(err))
			}
			return
		}
		go n.handleConn(conn, true)
	}
}

// ConnectTo dials a peer by address (used by bootstrap and discovery).
func (n *Node) ConnectTo(addr netx.Addr) error {
	conn, err := n.cfg.Network.Dial(addr)
	if err != nil {
		n.log.Debug("dial failed", zap.String("addr", string(addr)), zap.Error(err))
		return err
	}
	go n.handleConn(conn, false)
	return nil
}

func (n *Node) handleConn(rawConn netx.Conn, inbound bool) {
	l, err := n.establishLink(rawConn, inbound)
	if err != nil {
		n.log.Debug("link setup failed",
			zap.Bool("inbound", inbound), zap.Error(err))
		_ = rawConn.Close()
		return
	}
	if l == nil {
		// duplicate or self-connection
		_ = rawConn.Close()
		return
	}
	defer n.removeLink(l.id)

	n.log.Info("link established",
		zap.String("peer", l.id.Short()),
		zap.String("name", l.name),
		zap.Bool("inbound", inbound))

	n.readLoop(l)
}

// readLoop pulls one frame per noise record and hands it to the router.
// The link id only says which pipe the bytes came from; the router trusts
// nothing about the frame until it verifies the sender's signature.
func (n *Node) readLoop(l *link) {
	buf := make([]byte, n.cfg.MaxFrameSize+frameSlack)
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		m, err := l.conn.Read(buf)
		if err != nil {
			n.log.Debug("link read failed",
				zap.String("peer", l.id.Short()), zap.Error(err))
			return
		}
		raw := make([]byte, m)
		copy(raw, buf[:m])
		n.router.Submit(l.id, raw)
	}
}
