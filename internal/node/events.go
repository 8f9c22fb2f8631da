package node

type EventType string

const (
	EventLinkUp   EventType = "link_up"
	EventLinkDown EventType = "link_down"
)

type Event struct {
	Type     EventType
	PeerID   string
	PeerAddr string
	PeerName string
}
