package mediator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshcdn/internal/network"
	"meshcdn/internal/proto"
)

func TestSendTickClearsSlotOnlyWhenAccepted(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	cs, conn := attach(t, m, testID(2), "mem://peer")
	cs.setSending(&proto.DataMessage{})

	conn.full = true
	require.NoError(t, m.sendTick(context.Background()))
	require.NotNil(t, cs.pending())
	require.Zero(t, conn.sentCount())

	conn.mu.Lock()
	conn.full = false
	conn.mu.Unlock()
	require.NoError(t, m.sendTick(context.Background()))
	require.Nil(t, cs.pending())
	require.Equal(t, 1, conn.sentCount())
}

func TestSendTickDropsBrokenConnection(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	cs, conn := attach(t, m, testID(2), "mem://peer")
	cs.setSending(&proto.DataMessage{})
	conn.sendErr = network.ErrClosed

	require.NoError(t, m.sendTick(context.Background()))
	require.Empty(t, m.Report().Connections)
	require.True(t, conn.isClosed())
	require.Equal(t, uint64(1), m.Metrics().Snapshot().DropByReason["send"])
}

func TestSendTickSkipsUnencodableMessage(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	cs, conn := attach(t, m, testID(2), "mem://peer")
	cs.setSending(&proto.DataMessage{WantResourceLocations: []proto.ResourceTag{{}}})

	require.NoError(t, m.sendTick(context.Background()))
	require.Nil(t, cs.pending())
	require.Zero(t, conn.sentCount())
	require.Len(t, m.Report().Connections, 1)
	require.Equal(t, uint64(1), m.Metrics().Snapshot().DropByReason["encode"])
}

// endpointlessTransport fails ListenEndpoints, which the compute loop cannot
// recover from.
type endpointlessTransport struct{}

func (endpointlessTransport) Connect(ctx context.Context, addr, serviceID string) (network.Conn, error) {
	return nil, network.ErrUnsupportedAddress
}

func (endpointlessTransport) Accept(ctx context.Context, serviceID string) (network.Conn, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func (endpointlessTransport) ListenEndpoints(ctx context.Context) ([]string, error) {
	return nil, errors.New("interface gone")
}

func (endpointlessTransport) Close() error { return nil }

func TestFatalLoopErrorStopsAllLoops(t *testing.T) {
	m := newTestMediator(t, Options{
		Transports:      []network.Transport{endpointlessTransport{}},
		DialInterval:    10 * time.Millisecond,
		AcceptInterval:  10 * time.Millisecond,
		SendInterval:    10 * time.Millisecond,
		ReceiveInterval: 10 * time.Millisecond,
		ComputeInterval: 10 * time.Millisecond,
		AcceptWait:      5 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- m.Wait() }()
	select {
	case err := <-done:
		require.ErrorContains(t, err, "compute loop")
		require.ErrorContains(t, err, "interface gone")
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after a fatal loop error")
	}
	require.Error(t, m.Close())
}

func TestReceiveTickMergesData(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	cs, conn := attach(t, m, testID(2), "mem://peer")
	tag := testTag("store", 1)
	give := testTag("store", 2)
	payload, err := proto.EncodeData(proto.DataMessage{
		PushNodeProfiles:      []proto.NodeProfile{testProfile("mem://far")},
		PushResourceLocations: []proto.ResourceLocation{{Tag: tag, NodeProfiles: []proto.NodeProfile{testProfile("mem://far")}}},
		WantResourceLocations: []proto.ResourceTag{tag},
		GiveResourceLocations: []proto.ResourceLocation{{Tag: give, NodeProfiles: []proto.NodeProfile{testProfile("mem://giver")}}},
	})
	require.NoError(t, err)
	conn.inbox = append(conn.inbox, payload)

	require.NoError(t, m.receiveTick(context.Background()))
	require.Len(t, m.CloudNodeProfiles(), 1)
	require.Len(t, m.FindNodeProfiles(tag), 1)
	require.Len(t, m.FindNodeProfiles(give), 1)
	cs.mu.Lock()
	require.True(t, cs.receivedWants.Contains(tag))
	cs.mu.Unlock()
	require.Equal(t, uint64(1), m.Metrics().Snapshot().Gossip.MessagesReceived)
}

func TestReceiveTickDropsOnDecodeOrTransportError(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	_, bad := attach(t, m, testID(2), "mem://bad")
	bad.inbox = append(bad.inbox, []byte{byte(proto.KindData), 0xc1})
	_, broken := attach(t, m, testID(3), "mem://broken")
	broken.recvErr = errors.New("reset")
	attach(t, m, testID(4), "mem://idle")

	require.NoError(t, m.receiveTick(context.Background()))
	r := m.Report()
	require.Len(t, r.Connections, 1)
	require.Equal(t, "mem://idle", r.Connections[0].Address)
	require.True(t, bad.isClosed())
	require.True(t, broken.isClosed())
}

func TestGuardedRecoversPanics(t *testing.T) {
	m := newTestMediator(t, Options{})
	tick := m.guarded("dial", func(context.Context) error { panic("boom") })
	require.NoError(t, tick(context.Background()))
	tick = m.guarded("dial", func(context.Context) error { return errors.New("flaky") })
	require.NoError(t, tick(context.Background()))
}

func TestDialTickPromotesOnSuccessAndSkipsUnsupported(t *testing.T) {
	hub := network.NewMemoryHub()
	ta, err := hub.NewTransport("a", network.ConnOptions{})
	require.NoError(t, err)
	tb, err := hub.NewTransport("b", network.ConnOptions{})
	require.NoError(t, err)
	a := newTestMediator(t, Options{Transports: []network.Transport{ta}})
	b := newTestMediator(t, Options{Transports: []network.Transport{tb}})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		conn, addr, err := tb.Accept(ctx, ServiceName)
		if err != nil {
			done <- err
			return
		}
		_, err = b.handshake(ctx, conn, addr, Accepted)
		done <- err
	}()

	target := testProfile("quic://10.0.0.1:4000", "mem://b")
	a.AddCloudNodeProfiles(testProfile("mem://other-unknown"), target)
	// only the reachable target is eligible once the other is marked dialed
	a.mu.Lock()
	a.connectedAddrs.Add("mem://other-unknown")
	a.mu.Unlock()

	require.NoError(t, a.dialTick(ctx))
	require.NoError(t, <-done)
	front := a.CloudNodeProfiles()[0]
	require.True(t, front.Equal(target))
	require.Len(t, a.Report().Connections, 1)
	snap := a.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.Dial.Success)
}
