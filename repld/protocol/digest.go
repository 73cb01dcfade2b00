package protocol

import (
	"crypto/sha256"
	"hash"
	"hash/crc32"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// castagnoliTable is the polynomial used for the crc32c integrity
// algorithm.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ErrUnknownDigest indicates an integrity algorithm name that both
// sides did not agree on.
var ErrUnknownDigest = errors.New("unknown integrity digest algorithm")

// NewDigest returns a fresh hash for the named integrity algorithm and
// its digest size in bytes. An empty name disables payload digests.
func NewDigest(alg string) (hash.Hash, int, error) {
	switch alg {
	case "":
		return nil, 0, nil
	case "crc32c":
		return crc32.New(castagnoliTable), crc32.Size, nil
	case "sha256":
		h := sha256.New()
		return h, sha256.Size, nil
	case "blake2b":
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, 0, err
		}
		return h, blake2b.Size256, nil
	default:
		return nil, 0, errors.Wrap(ErrUnknownDigest, alg)
	}
}

// DigestSize returns the digest size for alg without allocating a hash.
func DigestSize(alg string) (int, error) {
	_, n, err := NewDigest(alg)
	return n, err
}

// Digest computes the integrity digest of data under alg.
func Digest(alg string, data []byte) ([]byte, error) {
	h, n, err := NewDigest(alg)
	if err != nil || h == nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(make([]byte, 0, n)), nil
}
