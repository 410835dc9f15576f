package mediator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshcdn/internal/kademlia"
	"meshcdn/internal/network"
	"meshcdn/internal/proto"
)

// fakeConn is a network.Conn whose queues the test drives directly.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbox   [][]byte
	full    bool
	sendErr error
	recvErr error
	closed  bool
	remote  string
}

var _ network.Conn = (*fakeConn)(nil)

func (c *fakeConn) Enqueue(ctx context.Context, payload []byte) error {
	ok, err := c.TryEnqueue(payload)
	if err != nil {
		return err
	}
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *fakeConn) Dequeue(ctx context.Context) ([]byte, error) {
	payload, ok, err := c.TryDequeue()
	if err != nil {
		return nil, err
	}
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return payload, nil
}

func (c *fakeConn) TryEnqueue(payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return false, c.sendErr
	}
	if c.full {
		return false, nil
	}
	c.sent = append(c.sent, payload)
	return true, nil
}

func (c *fakeConn) TryDequeue() ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvErr != nil {
		return nil, false, c.recvErr
	}
	if len(c.inbox) == 0 {
		return nil, false, nil
	}
	payload := c.inbox[0]
	c.inbox = c.inbox[1:]
	return payload, true, nil
}

func (c *fakeConn) RemoteAddr() string { return c.remote }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// atDistance returns base with bit d-1 flipped, so Distance(base, out) == d.
func atDistance(base kademlia.NodeID, d int) kademlia.NodeID {
	out := base
	bit := d - 1
	out[kademlia.IDSize-1-bit/8] ^= 1 << (bit % 8)
	return out
}

func testID(b byte) kademlia.NodeID {
	var id kademlia.NodeID
	id[0] = b
	id[kademlia.IDSize-1] = b
	return id
}

func newTestMediator(t *testing.T, opts Options) *Mediator {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

// attach registers a fake connection for id without a handshake.
func attach(t *testing.T, m *Mediator, id kademlia.NodeID, addr string) (*ConnectionStatus, *fakeConn) {
	t.Helper()
	conn := &fakeConn{remote: addr}
	cs := newConnectionStatus(conn, addr, Dialed, proto.NewNodeProfile([]string{addr}, []string{ServiceName}), id, m.opts.Clock)
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NoError(t, m.insertLocked(cs))
	return cs, conn
}

func testTag(engine string, i int) proto.ResourceTag {
	return proto.ResourceTag{EngineName: engine, Hash: proto.HashContent([]byte(fmt.Sprintf("content-%d", i)))}
}

func TestNewAssignsRandomID(t *testing.T) {
	a := newTestMediator(t, Options{})
	b := newTestMediator(t, Options{})
	require.False(t, a.ID().IsZero())
	require.NotEqual(t, a.ID(), b.ID())

	fixed := testID(7)
	c := newTestMediator(t, Options{ID: fixed})
	require.Equal(t, fixed, c.ID())
}

func TestMyNodeProfileAdvertisesEngines(t *testing.T) {
	hub := network.NewMemoryHub()
	tr, err := hub.NewTransport("me", network.ConnOptions{})
	require.NoError(t, err)
	m := newTestMediator(t, Options{Transports: []network.Transport{tr}})
	defer m.Close()

	p, err := m.MyNodeProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"mem://me"}, p.Addresses)
	require.Equal(t, []string{ServiceName}, p.Services)

	m.RegisterPublishProvider(TagProviderFunc(func() []proto.ResourceTag {
		return []proto.ResourceTag{testTag("store", 1), testTag("files", 2)}
	}))
	m.collectTags()
	p, err = m.MyNodeProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{ServiceName, "files", "store"}, p.Services)
}

func TestFindNodeProfilesUnionsPushAndGive(t *testing.T) {
	m := newTestMediator(t, Options{})
	tag := testTag("store", 1)
	p1 := proto.NewNodeProfile([]string{"mem://1"}, nil)
	p2 := proto.NewNodeProfile([]string{"mem://2"}, nil)

	m.mu.Lock()
	m.pushLocations.AddRange(tag, []proto.NodeProfile{p1})
	m.giveLocations.AddRange(tag, []proto.NodeProfile{p1, p2})
	m.mu.Unlock()

	got := m.FindNodeProfiles(tag)
	require.Len(t, got, 2)
	require.True(t, got[0].Equal(p1))
	require.True(t, got[1].Equal(p2))
	require.Empty(t, m.FindNodeProfiles(testTag("store", 2)))
}

func TestAddCloudNodeProfilesSkipsInvalid(t *testing.T) {
	m := newTestMediator(t, Options{})
	added := m.AddCloudNodeProfiles(
		proto.NewNodeProfile([]string{"mem://a"}, nil),
		proto.NewNodeProfile([]string{"mem://a"}, nil),
		proto.NodeProfile{},
	)
	require.Equal(t, 1, added)
	require.Len(t, m.CloudNodeProfiles(), 1)
}

func TestReportListsConnections(t *testing.T) {
	m := newTestMediator(t, Options{ID: testID(1)})
	attach(t, m, testID(2), "mem://two")
	r := m.Report()
	require.Equal(t, m.ID().String(), r.NodeID)
	require.Len(t, r.Connections, 1)
	require.Equal(t, Dialed, r.Connections[0].Direction)
	require.Equal(t, "mem://two", r.Connections[0].Address)
}

func TestStartTwiceFails(t *testing.T) {
	m := newTestMediator(t, Options{ComputeInterval: time.Hour})
	require.ErrorIs(t, m.Wait(), ErrNotStarted)
	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrStarted)
	require.NoError(t, m.Close())
}
