package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize     = 4 << 20
	MaxServiceHello  = 1 << 10
	MaxHelloSize     = 1 << 10
	MaxProfileSize   = 64 << 10
	MaxDataSize      = MaxFrameSize
	frameLengthBytes = 4
)

var ErrTooLarge = errors.New("payload too large")

func MaxSizeForKind(k Kind) int {
	switch k {
	case KindServiceHello:
		return MaxServiceHello
	case KindHello:
		return MaxHelloSize
	case KindProfile:
		return MaxProfileSize
	case KindData:
		return MaxDataSize
	default:
		return 0
	}
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, frameLengthBytes+len(payload))
	binary.BigEndian.PutUint32(out[:frameLengthBytes], uint32(len(payload)))
	copy(out[frameLengthBytes:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithKindCap(r, MaxSizeForKind)
}

// ReadFrameWithKindCap reads one frame and rejects it before buffering the body
// when the declared length exceeds the cap for the leading kind byte.
func ReadFrameWithKindCap(r io.Reader, kindCap func(Kind) int) ([]byte, error) {
	var lenBuf [frameLengthBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return nil, err
	}
	kind := Kind(kindBuf[0])
	if kindCap != nil {
		maxSize := kindCap(kind)
		if maxSize <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kindBuf[0])
		}
		if int(n) > maxSize {
			return nil, fmt.Errorf("%w for %s", ErrTooLarge, kind)
		}
	}
	payload := make([]byte, int(n))
	payload[0] = kindBuf[0]
	if _, err := io.ReadFull(r, payload[1:]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
