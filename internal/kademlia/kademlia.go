// Package kademlia provides node identifiers and the XOR distance used to
// rank peers against a target key.
package kademlia

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sort"
)

const IDSize = 32

// MaxDistance is the distance between identifiers that differ in the top bit.
const MaxDistance = IDSize * 8

type NodeID [IDSize]byte

func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("gen node id: %w", err)
	}
	return id, nil
}

func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDSize {
		return id, fmt.Errorf("bad node id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Distance returns the bit length of a XOR b: 0 when equal, MaxDistance when
// the leading bit differs.
func Distance(a, b NodeID) int {
	for i := 0; i < IDSize; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return (IDSize-i-1)*8 + bits.Len8(x)
		}
	}
	return 0
}

func xor(a, b NodeID) NodeID {
	var out NodeID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Element pairs a node identifier with caller data for Search.
type Element[T any] struct {
	ID    NodeID
	Value T
}

// Search returns up to count elements closest to target by XOR metric.
// Elements at equal distance keep their input order.
func Search[T any](target NodeID, elements []Element[T], count int) []Element[T] {
	if count <= 0 || len(elements) == 0 {
		return nil
	}
	type ranked struct {
		dist NodeID
		el   Element[T]
	}
	list := make([]ranked, len(elements))
	for i, el := range elements {
		list[i] = ranked{dist: xor(target, el.ID), el: el}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return bytes.Compare(list[i].dist[:], list[j].dist[:]) < 0
	})
	if count > len(list) {
		count = len(list)
	}
	out := make([]Element[T], count)
	for i := 0; i < count; i++ {
		out[i] = list[i].el
	}
	return out
}
