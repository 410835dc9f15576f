package proto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

func HashContent(data []byte) Hash {
	return Hash{Algorithm: HashAlgorithmBlake2b256, Value: blake2b.Sum256(data)}
}

func HashReader(r io.Reader) (Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Hash{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, fmt.Errorf("hash content: %w", err)
	}
	out := Hash{Algorithm: HashAlgorithmBlake2b256}
	copy(out.Value[:], h.Sum(nil))
	return out, nil
}
