package mediator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcdn/internal/kademlia"
	"meshcdn/internal/metrics"
	"meshcdn/internal/network"
	"meshcdn/internal/proto"
	"meshcdn/internal/volatile"
)

type Direction int

const (
	Dialed Direction = iota + 1
	Accepted
)

func (d Direction) String() string {
	switch d {
	case Dialed:
		return "dialed"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "dialed":
		*d = Dialed
	case "accepted":
		*d = Accepted
	default:
		*d = 0
	}
	return nil
}

// ConnectionStatus is one handshaken peer. The identity fields are fixed at
// creation; mu guards sending and receivedWants.
type ConnectionStatus struct {
	conn      network.Conn
	address   string
	direction Direction
	profile   proto.NodeProfile
	id        kademlia.NodeID

	mu            sync.Mutex
	sending       *proto.DataMessage
	receivedWants *volatile.Set[proto.ResourceTag]
}

func newConnectionStatus(conn network.Conn, address string, dir Direction, profile proto.NodeProfile, id kademlia.NodeID, clock volatile.Clock) *ConnectionStatus {
	return &ConnectionStatus{
		conn:          conn,
		address:       address,
		direction:     dir,
		profile:       profile,
		id:            id,
		receivedWants: volatile.NewSet[proto.ResourceTag](locationTTL, clock),
	}
}

func (cs *ConnectionStatus) setSending(msg *proto.DataMessage) {
	cs.mu.Lock()
	cs.sending = msg
	cs.mu.Unlock()
}

func (cs *ConnectionStatus) pending() *proto.DataMessage {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sending
}

// clearSending empties the slot unless compute already replaced msg.
func (cs *ConnectionStatus) clearSending(msg *proto.DataMessage) {
	cs.mu.Lock()
	if cs.sending == msg {
		cs.sending = nil
	}
	cs.mu.Unlock()
}

type ConnectionReport struct {
	Direction Direction         `json:"direction"`
	Address   string            `json:"address"`
	NodeID    string            `json:"node_id"`
	Profile   proto.NodeProfile `json:"profile"`
}

type Report struct {
	NodeID        string             `json:"node_id"`
	Connections   []ConnectionReport `json:"connections"`
	CloudSize     int                `json:"cloud_size"`
	PushLocations int                `json:"push_locations"`
	GiveLocations int                `json:"give_locations"`
}

func (m *Mediator) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Report{
		NodeID:        m.id.String(),
		Connections:   make([]ConnectionReport, 0, len(m.conns)),
		CloudSize:     m.cloud.Len(),
		PushLocations: m.pushLocations.Len(),
		GiveLocations: m.giveLocations.Len(),
	}
	for _, cs := range m.conns {
		r.Connections = append(r.Connections, ConnectionReport{
			Direction: cs.direction,
			Address:   cs.address,
			NodeID:    cs.id.String(),
			Profile:   cs.profile,
		})
	}
	return r
}

func (m *Mediator) connections() []*ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ConnectionStatus(nil), m.conns...)
}

func (m *Mediator) connectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Mediator) atHalfCapacity() bool {
	return m.connectionCount() >= m.opts.MaxConnections/2
}

// insertLocked re-checks admission and registers cs. Caller holds m.mu.
func (m *Mediator) insertLocked(cs *ConnectionStatus) error {
	if err := m.admitLocked(cs.id); err != nil {
		return err
	}
	m.conns = append(m.conns, cs)
	m.metrics.SetCurrentConns(len(m.conns))
	return nil
}

// removeConnection unregisters cs and closes its transport connection.
func (m *Mediator) removeConnection(cs *ConnectionStatus, reason string, err error) {
	m.mu.Lock()
	removed := false
	for i, c := range m.conns {
		if c == cs {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			removed = true
			break
		}
	}
	m.metrics.SetCurrentConns(len(m.conns))
	m.mu.Unlock()
	_ = cs.conn.Close()
	if !removed {
		return
	}
	m.metrics.IncDropByReason(reason)
	m.metrics.Recent().Add(metrics.Event{At: time.Now().UTC(), Kind: "drop_" + reason, Peer: cs.address, Detail: errString(err)})
	m.log.Info("connection removed", zap.String("addr", cs.address), zap.String("reason", reason), zap.Error(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
