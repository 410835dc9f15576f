package proto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	MaxVersionsCount           = 32
	MaxAddressesCount          = 32
	MaxServicesCount           = 32
	MaxStringLength            = 256
	MaxNodeProfilesPerLocation = 8
	MaxPushNodeProfilesCount   = 256
	MaxPushResourceLocations   = 256
	MaxWantResourceLocations   = 256
	MaxGiveResourceLocations   = 256
	NodeIDSize                 = 32
	HashSize                   = 32
	HashAlgorithmBlake2b256    = 1
)

// Hash identifies content by algorithm and digest. It is comparable.
type Hash struct {
	Algorithm uint8          `msgpack:"a"`
	Value     [HashSize]byte `msgpack:"v"`
}

func (h Hash) String() string {
	return hex.EncodeToString(h.Value[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Hash{}, fmt.Errorf("bad hash: %w", err)
	}
	if len(raw) != HashSize {
		return Hash{}, fmt.Errorf("bad hash length %d", len(raw))
	}
	h := Hash{Algorithm: HashAlgorithmBlake2b256}
	copy(h.Value[:], raw)
	return h, nil
}

// ResourceTag names a resource some local engine cares about.
type ResourceTag struct {
	EngineName string `msgpack:"e"`
	Hash       Hash   `msgpack:"h"`
}

func (t ResourceTag) String() string {
	return t.EngineName + "/" + t.Hash.String()
}

func (t ResourceTag) Validate() error {
	if t.EngineName == "" {
		return fmt.Errorf("tag: empty engine name")
	}
	if len(t.EngineName) > MaxStringLength {
		return fmt.Errorf("tag engine name: %w", ErrLimitExceeded)
	}
	return nil
}

// NodeProfile tells how to dial a peer and which services it runs.
type NodeProfile struct {
	Addresses []string `msgpack:"a"`
	Services  []string `msgpack:"s"`
}

func NewNodeProfile(addrs []string, services []string) NodeProfile {
	return NodeProfile{
		Addresses: append([]string(nil), addrs...),
		Services:  append([]string(nil), services...),
	}
}

func (p NodeProfile) Equal(o NodeProfile) bool {
	return p.Key() == o.Key()
}

// Key is a canonical encoding used for map keys and content comparison.
func (p NodeProfile) Key() string {
	var b strings.Builder
	for _, a := range p.Addresses {
		b.WriteString(a)
		b.WriteByte(0)
	}
	b.WriteByte(1)
	for _, s := range p.Services {
		b.WriteString(s)
		b.WriteByte(0)
	}
	return b.String()
}

func (p NodeProfile) HasAddress(addr string) bool {
	for _, a := range p.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

func (p NodeProfile) SharesAddress(o NodeProfile) bool {
	for _, a := range o.Addresses {
		if p.HasAddress(a) {
			return true
		}
	}
	return false
}

func (p NodeProfile) Validate() error {
	if len(p.Addresses) > MaxAddressesCount {
		return fmt.Errorf("profile addresses: %w", ErrLimitExceeded)
	}
	if len(p.Services) > MaxServicesCount {
		return fmt.Errorf("profile services: %w", ErrLimitExceeded)
	}
	for _, a := range p.Addresses {
		if len(a) > MaxStringLength {
			return fmt.Errorf("profile address: %w", ErrLimitExceeded)
		}
	}
	for _, s := range p.Services {
		if len(s) > MaxStringLength {
			return fmt.Errorf("profile service: %w", ErrLimitExceeded)
		}
	}
	return nil
}

// ResourceLocation lists the nodes believed to serve a tag.
type ResourceLocation struct {
	Tag          ResourceTag   `msgpack:"t"`
	NodeProfiles []NodeProfile `msgpack:"p"`
}

func (l ResourceLocation) Validate() error {
	if err := l.Tag.Validate(); err != nil {
		return err
	}
	if len(l.NodeProfiles) > MaxNodeProfilesPerLocation {
		return fmt.Errorf("location profiles: %w", ErrLimitExceeded)
	}
	for _, p := range l.NodeProfiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
