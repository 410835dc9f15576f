package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncDialAttempt()
	m.IncDialAttempt()
	m.IncDialSuccess()
	m.IncAccepted()
	m.IncHandshakeSuccess()
	m.IncHandshakeFailure("timeout")
	m.IncHandshakeFailure("timeout")
	m.IncAdmissionRejected()
	m.IncMessagesSent()
	m.IncMessagesReceived()
	m.IncComputeCycles()
	m.IncDropByReason("transport")
	m.SetCurrentConns(3)
	m.SetCloudSize(7)
	snap := m.Snapshot()
	if snap.Dial.Attempts != 2 || snap.Dial.Success != 1 || snap.Dial.Accepted != 1 {
		t.Fatalf("unexpected dial counts: %+v", snap.Dial)
	}
	if snap.Handshake.FailByReason["timeout"] != 2 {
		t.Fatalf("expected timeout=2, got %d", snap.Handshake.FailByReason["timeout"])
	}
	if snap.Handshake.Success != 1 || snap.Handshake.AdmissionRejected != 1 {
		t.Fatalf("unexpected handshake counts: %+v", snap.Handshake)
	}
	if snap.Gossip.MessagesSent != 1 || snap.Gossip.MessagesReceived != 1 || snap.Gossip.ComputeCycles != 1 {
		t.Fatalf("unexpected gossip counts: %+v", snap.Gossip)
	}
	if snap.DropByReason["transport"] != 1 {
		t.Fatalf("expected drop transport=1, got %d", snap.DropByReason["transport"])
	}
	if snap.CurrentConns != 3 || snap.CloudSize != 7 {
		t.Fatalf("expected conns/cloud 3/7, got %d/%d", snap.CurrentConns, snap.CloudSize)
	}
}

func TestRecentKeepsNewest(t *testing.T) {
	r := NewRecent(2)
	r.Add(Event{Kind: "a"})
	r.Add(Event{Kind: "b"})
	r.Add(Event{Kind: "c"})
	got := r.List()
	if len(got) != 2 || got[0].Kind != "b" || got[1].Kind != "c" {
		t.Fatalf("unexpected recent list: %+v", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncComputeCycles()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Gossip.ComputeCycles != 1 {
		t.Fatalf("expected compute_cycles=1, got %d", snap.Gossip.ComputeCycles)
	}
}

func TestCollectorExposesCounters(t *testing.T) {
	m := New()
	m.IncHandshakeFailure("version_mismatch")
	m.SetCurrentConns(2)
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(m)); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP meshcdn_connections Live mediator connections.
# TYPE meshcdn_connections gauge
meshcdn_connections 2
# HELP meshcdn_handshake_failures_total Failed handshakes by reason.
# TYPE meshcdn_handshake_failures_total counter
meshcdn_handshake_failures_total{reason="version_mismatch"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "meshcdn_connections", "meshcdn_handshake_failures_total"); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
