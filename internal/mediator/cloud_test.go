package mediator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"meshcdn/internal/proto"
)

func testProfile(addrs ...string) proto.NodeProfile {
	return proto.NewNodeProfile(addrs, []string{ServiceName})
}

func TestCloudListCapDropsOldestFirst(t *testing.T) {
	c := newCloudList(maxCloudProfiles)
	for i := 0; i < maxCloudProfiles+10; i++ {
		c.add(testProfile(fmt.Sprintf("mem://%d", i)))
	}
	require.Equal(t, maxCloudProfiles, c.Len())
	snap := c.snapshot()
	require.True(t, snap[0].HasAddress("mem://10"))
	require.True(t, snap[len(snap)-1].HasAddress(fmt.Sprintf("mem://%d", maxCloudProfiles+9)))
}

func TestCloudListPromoteMovesToFront(t *testing.T) {
	c := newCloudList(maxCloudProfiles)
	c.add(testProfile("mem://a"))
	c.add(testProfile("mem://b", "mem://c"))
	c.add(testProfile("mem://d"))

	// a fresher profile for the same node replaces every entry sharing an address
	fresh := testProfile("mem://c", "mem://e")
	c.promote(fresh)
	front, ok := c.front()
	require.True(t, ok)
	require.True(t, front.Equal(fresh))
	require.Equal(t, 3, c.Len())
	for _, p := range c.snapshot()[1:] {
		require.False(t, p.HasAddress("mem://b"))
	}

	// promoted entries outlive plain ones when the list overflows
	small := newCloudList(2)
	small.add(testProfile("mem://1"))
	small.promote(testProfile("mem://1"))
	small.add(testProfile("mem://2"))
	small.add(testProfile("mem://3"))
	front, _ = small.front()
	require.True(t, front.HasAddress("mem://1"))
	require.Equal(t, 2, small.Len())
}

func TestCloudListEvictOnlyWhenLarge(t *testing.T) {
	c := newCloudList(maxCloudProfiles)
	target := testProfile("mem://target")
	c.add(target)
	require.False(t, c.evict(target))
	require.Equal(t, 1, c.Len())

	for i := 0; c.Len() < cloudEvictMinCount; i++ {
		c.add(testProfile(fmt.Sprintf("mem://%d", i)))
	}
	require.True(t, c.evict(target))
	require.Equal(t, cloudEvictMinCount-1, c.Len())
}

func TestCloudListIgnoresDuplicatesAndEmpty(t *testing.T) {
	c := newCloudList(maxCloudProfiles)
	require.True(t, c.add(testProfile("mem://a")))
	require.False(t, c.add(testProfile("mem://a")))
	require.False(t, c.add(proto.NodeProfile{}))
	require.Equal(t, 1, c.Len())
}
