package proto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is a mediator protocol version number.
type Version uint32

const (
	Version1 Version = 1
)

// Kind is the first payload byte and selects the message body type.
type Kind uint8

const (
	KindServiceHello Kind = 1
	KindHello        Kind = 2
	KindProfile      Kind = 3
	KindData         Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindServiceHello:
		return "service_hello"
	case KindHello:
		return "hello"
	case KindProfile:
		return "profile"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrLimitExceeded = errors.New("collection limit exceeded")
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrUnexpected    = errors.New("unexpected message kind")
)

// ServiceHelloMessage is the first frame on a new transport connection and names
// the service the dialer wants to reach.
type ServiceHelloMessage struct {
	ServiceID string `msgpack:"s"`
}

type HelloMessage struct {
	Versions []Version `msgpack:"v"`
}

type ProfileMessage struct {
	ID      []byte      `msgpack:"i"`
	Profile NodeProfile `msgpack:"p"`
}

type DataMessage struct {
	PushNodeProfiles      []NodeProfile      `msgpack:"pn"`
	PushResourceLocations []ResourceLocation `msgpack:"pl"`
	WantResourceLocations []ResourceTag      `msgpack:"wl"`
	GiveResourceLocations []ResourceLocation `msgpack:"gl"`
}

func (m ServiceHelloMessage) Validate() error {
	if m.ServiceID == "" {
		return fmt.Errorf("service hello: empty service id")
	}
	if len(m.ServiceID) > MaxStringLength {
		return fmt.Errorf("service hello: %w", ErrLimitExceeded)
	}
	return nil
}

func (m HelloMessage) Validate() error {
	if len(m.Versions) > MaxVersionsCount {
		return fmt.Errorf("hello versions: %w", ErrLimitExceeded)
	}
	return nil
}

func (m ProfileMessage) Validate() error {
	if len(m.ID) != NodeIDSize {
		return fmt.Errorf("profile: bad id length %d", len(m.ID))
	}
	return m.Profile.Validate()
}

func (m DataMessage) Validate() error {
	if len(m.PushNodeProfiles) > MaxPushNodeProfilesCount {
		return fmt.Errorf("push node profiles: %w", ErrLimitExceeded)
	}
	if len(m.PushResourceLocations) > MaxPushResourceLocations {
		return fmt.Errorf("push locations: %w", ErrLimitExceeded)
	}
	if len(m.WantResourceLocations) > MaxWantResourceLocations {
		return fmt.Errorf("want locations: %w", ErrLimitExceeded)
	}
	if len(m.GiveResourceLocations) > MaxGiveResourceLocations {
		return fmt.Errorf("give locations: %w", ErrLimitExceeded)
	}
	for _, p := range m.PushNodeProfiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for _, l := range m.PushResourceLocations {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	for _, t := range m.WantResourceLocations {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, l := range m.GiveResourceLocations {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type validator interface {
	Validate() error
}

func encode(kind Kind, m validator) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(kind))
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	if buf.Len() > MaxSizeForKind(kind) {
		return nil, fmt.Errorf("encode %s: %w", kind, ErrTooLarge)
	}
	return buf.Bytes(), nil
}

func decode(kind Kind, data []byte, m validator) error {
	got, body, err := PeekKind(data)
	if err != nil {
		return err
	}
	if got != kind {
		return fmt.Errorf("%w: want %s got %s", ErrUnexpected, kind, got)
	}
	if err := msgpack.Unmarshal(body, m); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// PeekKind splits a payload into its kind byte and msgpack body.
func PeekKind(data []byte) (Kind, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty payload")
	}
	k := Kind(data[0])
	if k < KindServiceHello || k > KindData {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}
	return k, data[1:], nil
}

func EncodeServiceHello(m ServiceHelloMessage) ([]byte, error) {
	return encode(KindServiceHello, m)
}

func DecodeServiceHello(data []byte) (ServiceHelloMessage, error) {
	var m ServiceHelloMessage
	if err := decode(KindServiceHello, data, &m); err != nil {
		return ServiceHelloMessage{}, err
	}
	return m, nil
}

func EncodeHello(m HelloMessage) ([]byte, error) {
	return encode(KindHello, m)
}

func DecodeHello(data []byte) (HelloMessage, error) {
	var m HelloMessage
	if err := decode(KindHello, data, &m); err != nil {
		return HelloMessage{}, err
	}
	return m, nil
}

func EncodeProfile(m ProfileMessage) ([]byte, error) {
	return encode(KindProfile, m)
}

func DecodeProfile(data []byte) (ProfileMessage, error) {
	var m ProfileMessage
	if err := decode(KindProfile, data, &m); err != nil {
		return ProfileMessage{}, err
	}
	return m, nil
}

func EncodeData(m DataMessage) ([]byte, error) {
	return encode(KindData, m)
}

func DecodeData(data []byte) (DataMessage, error) {
	var m DataMessage
	if err := decode(KindData, data, &m); err != nil {
		return DataMessage{}, err
	}
	return m, nil
}

// FitData encodes m, trimming trailing entries from whichever collection
// encodes largest until the payload fits MaxDataSize. It returns the message
// that was actually encoded.
func FitData(m DataMessage) (DataMessage, []byte, error) {
	for {
		data, err := EncodeData(m)
		if !errors.Is(err, ErrTooLarge) {
			return m, data, err
		}
		if !m.shrink() {
			return m, nil, err
		}
	}
}

// Entries counts the items across every collection of m.
func (m DataMessage) Entries() int {
	return len(m.PushNodeProfiles) + len(m.PushResourceLocations) +
		len(m.WantResourceLocations) + len(m.GiveResourceLocations)
}

// shrink halves the collection with the largest encoded size.
func (m *DataMessage) shrink() bool {
	sizes := []int{
		encodedLen(m.PushNodeProfiles),
		encodedLen(m.PushResourceLocations),
		encodedLen(m.WantResourceLocations),
		encodedLen(m.GiveResourceLocations),
	}
	lens := []int{
		len(m.PushNodeProfiles),
		len(m.PushResourceLocations),
		len(m.WantResourceLocations),
		len(m.GiveResourceLocations),
	}
	pick := -1
	for i := range sizes {
		if lens[i] > 0 && (pick < 0 || sizes[i] > sizes[pick]) {
			pick = i
		}
	}
	switch pick {
	case 0:
		m.PushNodeProfiles = m.PushNodeProfiles[:lens[0]/2]
	case 1:
		m.PushResourceLocations = m.PushResourceLocations[:lens[1]/2]
	case 2:
		m.WantResourceLocations = m.WantResourceLocations[:lens[2]/2]
	case 3:
		m.GiveResourceLocations = m.GiveResourceLocations[:lens[3]/2]
	default:
		return false
	}
	return true
}

func encodedLen(v any) int {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// NegotiateVersion returns the highest version present in both lists.
func NegotiateVersion(mine, theirs []Version) (Version, bool) {
	var best Version
	found := false
	for _, a := range mine {
		for _, b := range theirs {
			if a == b && (!found || a > best) {
				best = a
				found = true
			}
		}
	}
	return best, found
}
