package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a recent notable connection event kept for status output.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Peer   string    `json:"peer"`
	Detail string    `json:"detail,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Dial         DialMetrics       `json:"dial"`
	Handshake    HandshakeMetrics  `json:"handshake"`
	Gossip       GossipMetrics     `json:"gossip"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
	CloudSize    int64             `json:"cloud_size"`
	Recent       []Event           `json:"recent"`
}

type DialMetrics struct {
	Attempts uint64 `json:"attempts"`
	Success  uint64 `json:"success"`
	Accepted uint64 `json:"accepted"`
}

type HandshakeMetrics struct {
	Success           uint64            `json:"success"`
	FailByReason      map[string]uint64 `json:"fail_by_reason"`
	AdmissionRejected uint64            `json:"admission_rejected"`
}

type GossipMetrics struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	ComputeCycles    uint64 `json:"compute_cycles"`
}

type Metrics struct {
	dialAttempts      atomic.Uint64
	dialSuccess       atomic.Uint64
	accepted          atomic.Uint64
	handshakeSuccess  atomic.Uint64
	admissionRejected atomic.Uint64
	messagesSent      atomic.Uint64
	messagesReceived  atomic.Uint64
	computeCycles     atomic.Uint64
	currentConns      atomic.Int64
	cloudSize         atomic.Int64

	failByReason *labelCounter
	dropByReason *labelCounter
	recent       *Recent
}

func New() *Metrics {
	return &Metrics{
		failByReason: newLabelCounter(),
		dropByReason: newLabelCounter(),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncDialAttempt() {
	m.dialAttempts.Add(1)
}

func (m *Metrics) IncDialSuccess() {
	m.dialSuccess.Add(1)
}

func (m *Metrics) IncAccepted() {
	m.accepted.Add(1)
}

func (m *Metrics) IncHandshakeSuccess() {
	m.handshakeSuccess.Add(1)
}

func (m *Metrics) IncHandshakeFailure(reason string) {
	m.failByReason.inc(reason)
}

func (m *Metrics) IncAdmissionRejected() {
	m.admissionRejected.Add(1)
}

func (m *Metrics) IncMessagesSent() {
	m.messagesSent.Add(1)
}

func (m *Metrics) IncMessagesReceived() {
	m.messagesReceived.Add(1)
}

func (m *Metrics) IncComputeCycles() {
	m.computeCycles.Add(1)
}

func (m *Metrics) IncDropByReason(reason string) {
	m.dropByReason.inc(reason)
}

func (m *Metrics) SetCurrentConns(n int) {
	m.currentConns.Store(int64(n))
}

func (m *Metrics) SetCloudSize(n int) {
	m.cloudSize.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Event{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Dial: DialMetrics{
			Attempts: m.dialAttempts.Load(),
			Success:  m.dialSuccess.Load(),
			Accepted: m.accepted.Load(),
		},
		Handshake: HandshakeMetrics{
			Success:           m.handshakeSuccess.Load(),
			FailByReason:      m.failByReason.snapshot(),
			AdmissionRejected: m.admissionRejected.Load(),
		},
		Gossip: GossipMetrics{
			MessagesSent:     m.messagesSent.Load(),
			MessagesReceived: m.messagesReceived.Load(),
			ComputeCycles:    m.computeCycles.Load(),
		},
		DropByReason: m.dropByReason.snapshot(),
		CurrentConns: m.currentConns.Load(),
		CloudSize:    m.cloudSize.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type labelCounter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func newLabelCounter() *labelCounter {
	return &labelCounter{counts: make(map[string]uint64)}
}

func (c *labelCounter) inc(label string) {
	c.mu.Lock()
	c.counts[label]++
	c.mu.Unlock()
}

func (c *labelCounter) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func (c *labelCounter) labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.counts))
	for k := range c.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Recent is a bounded FIFO of events.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
