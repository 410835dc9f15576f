package mediator

import (
	"container/list"

	"meshcdn/internal/proto"
)

const (
	maxCloudProfiles   = 2048
	cloudEvictMinCount = 1024
)

type cloudEntry struct {
	profile  proto.NodeProfile
	promoted bool
}

// cloudList holds dial candidates in order: promoted (successfully reached)
// profiles at the front, newly learned ones appended at the back.
// Not safe for concurrent use; guarded by Mediator.mu.
type cloudList struct {
	order *list.List
	index map[string]*list.Element
	max   int
}

func newCloudList(limit int) *cloudList {
	if limit <= 0 {
		limit = maxCloudProfiles
	}
	return &cloudList{
		order: list.New(),
		index: make(map[string]*list.Element),
		max:   limit,
	}
}

func (c *cloudList) Len() int {
	return c.order.Len()
}

// add appends p unless an identical profile is already known. When the list
// is full the oldest non-promoted entry makes room.
func (c *cloudList) add(p proto.NodeProfile) bool {
	if len(p.Addresses) == 0 {
		return false
	}
	key := p.Key()
	if _, ok := c.index[key]; ok {
		return false
	}
	if c.order.Len() >= c.max {
		c.evictOldestLocked()
	}
	c.index[key] = c.order.PushBack(&cloudEntry{profile: p})
	return true
}

func (c *cloudList) evictOldestLocked() {
	for e := c.order.Front(); e != nil; e = e.Next() {
		if !e.Value.(*cloudEntry).promoted {
			c.removeElement(e)
			return
		}
	}
	if back := c.order.Back(); back != nil {
		c.removeElement(back)
	}
}

// promote moves p to the front, dropping every entry that shares an address
// with it.
func (c *cloudList) promote(p proto.NodeProfile) {
	if e, ok := c.index[p.Key()]; ok {
		c.removeElement(e)
	}
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*cloudEntry).profile.SharesAddress(p) {
			c.removeElement(e)
		}
		e = next
	}
	c.index[p.Key()] = c.order.PushFront(&cloudEntry{profile: p, promoted: true})
}

// evict drops p after a failed dial, but only while the list is large enough
// that losing a candidate costs little.
func (c *cloudList) evict(p proto.NodeProfile) bool {
	if c.order.Len() < cloudEvictMinCount {
		return false
	}
	e, ok := c.index[p.Key()]
	if !ok {
		return false
	}
	c.removeElement(e)
	return true
}

func (c *cloudList) removeElement(e *list.Element) {
	ent := e.Value.(*cloudEntry)
	delete(c.index, ent.profile.Key())
	c.order.Remove(e)
}

func (c *cloudList) snapshot() []proto.NodeProfile {
	out := make([]proto.NodeProfile, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*cloudEntry).profile)
	}
	return out
}

func (c *cloudList) front() (proto.NodeProfile, bool) {
	e := c.order.Front()
	if e == nil {
		return proto.NodeProfile{}, false
	}
	return e.Value.(*cloudEntry).profile, true
}
