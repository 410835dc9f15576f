package kademlia

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// atDistance returns base with exactly one low-order bit flipped so that
// Distance(base, result) == d.
func atDistance(base NodeID, d int) NodeID {
	out := base
	bit := d - 1
	out[IDSize-1-bit/8] ^= 1 << (bit % 8)
	return out
}

func TestDistanceProperties(t *testing.T) {
	a, err := NewNodeID()
	require.NoError(t, err)
	b, err := NewNodeID()
	require.NoError(t, err)

	require.Equal(t, 0, Distance(a, a))
	require.Equal(t, Distance(a, b), Distance(b, a))
	if a != b {
		require.Greater(t, Distance(a, b), 0)
	}

	var zero NodeID
	top := zero
	top[0] = 0x80
	require.Equal(t, MaxDistance, Distance(zero, top))
	require.Equal(t, 1, Distance(zero, atDistance(zero, 1)))
	require.Equal(t, 9, Distance(zero, atDistance(zero, 9)))
}

func TestSearchPicksClosest(t *testing.T) {
	target, err := NewNodeID()
	require.NoError(t, err)
	elements := []Element[string]{
		{ID: atDistance(target, 5), Value: "five"},
		{ID: atDistance(target, 3), Value: "three"},
		{ID: atDistance(target, 9), Value: "nine"},
	}
	got := Search(target, elements, 1)
	require.Len(t, got, 1)
	require.Equal(t, "three", got[0].Value)

	got = Search(target, elements, 10)
	require.Equal(t, []string{"three", "five", "nine"}, []string{got[0].Value, got[1].Value, got[2].Value})
}

func TestSearchStableOnTies(t *testing.T) {
	target, err := NewNodeID()
	require.NoError(t, err)
	id := atDistance(target, 4)
	elements := []Element[int]{{ID: id, Value: 1}, {ID: id, Value: 2}, {ID: id, Value: 3}}
	got := Search(target, elements, 2)
	require.Equal(t, 1, got[0].Value)
	require.Equal(t, 2, got[1].Value)
}

func TestSearchEmpty(t *testing.T) {
	require.Nil(t, Search[int](NodeID{}, nil, 1))
	require.Nil(t, Search(NodeID{}, []Element[int]{{Value: 1}}, 0))
}

func TestNodeIDFromBytes(t *testing.T) {
	id, err := NewNodeID()
	require.NoError(t, err)
	got, err := NodeIDFromBytes(id[:])
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = NodeIDFromBytes(id[:5])
	require.Error(t, err)
}
