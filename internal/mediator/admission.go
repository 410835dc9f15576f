package mediator

import (
	"errors"
	"fmt"

	"meshcdn/internal/kademlia"
)

// MaxBucketLength is k: the most live connections allowed at any one
// distance from the local id.
const MaxBucketLength = 20

var (
	ErrAdmissionRejected = errors.New("admission rejected")
	errSelfConnection    = fmt.Errorf("%w: remote id is our own", ErrAdmissionRejected)
	errDuplicatePeer     = fmt.Errorf("%w: peer already connected", ErrAdmissionRejected)
	errBucketFull        = fmt.Errorf("%w: distance bucket full", ErrAdmissionRejected)
)

// admitLocked decides whether a peer with id may join the registry. Caller
// holds m.mu.
func (m *Mediator) admitLocked(id kademlia.NodeID) error {
	if id == m.id {
		return errSelfConnection
	}
	d := kademlia.Distance(m.id, id)
	count := 0
	for _, cs := range m.conns {
		if cs.id == id {
			return errDuplicatePeer
		}
		if kademlia.Distance(m.id, cs.id) == d {
			count++
		}
	}
	if count >= MaxBucketLength {
		return fmt.Errorf("%w (distance %d)", errBucketFull, d)
	}
	return nil
}

func (m *Mediator) canAdd(id kademlia.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(id)
}
