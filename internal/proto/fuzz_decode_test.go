package proto

import (
	"bytes"
	"testing"
)

const maxFuzzInput = 1 << 16

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, byte(KindHello)})
	f.Add([]byte{0, 0, 0, 2, byte(KindData), 0x80})
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > maxFuzzInput {
			data = data[:maxFuzzInput]
		}
		payload, err := ReadFrame(bytes.NewReader(data))
		if err != nil {
			return
		}
		kind, _, err := PeekKind(payload)
		if err != nil {
			return
		}
		switch kind {
		case KindHello:
			_, _ = DecodeHello(payload)
		case KindProfile:
			_, _ = DecodeProfile(payload)
		case KindData:
			if m, err := DecodeData(payload); err == nil {
				if _, err := EncodeData(m); err != nil {
					t.Fatalf("decoded message failed to re-encode: %v", err)
				}
			}
		}
	})
}

func FuzzDecodeData(f *testing.F) {
	seed, _ := EncodeData(DataMessage{WantResourceLocations: []ResourceTag{{EngineName: "e", Hash: HashContent([]byte("x"))}}})
	f.Add(seed)
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > maxFuzzInput {
			data = data[:maxFuzzInput]
		}
		_, _ = DecodeData(data)
	})
}
