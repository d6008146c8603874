// Package checksum computes per-fragment checksums, the aggregate
// checksum a client declares at commit time, and the digest that
// content-addresses a committed asset.
package checksum

import (
	"encoding/hex"
	"hash/crc32"

	"github.com/zeebo/blake3"
)

// Modulus bounds the aggregate checksum.
const Modulus = 400_000_000

// ContentHash is the CRC-32 (IEEE) of content.
func ContentHash(content []byte) uint32 {
	return crc32.ChecksumIEEE(content)
}

// Aggregate folds checksums, already sorted by fragment order, into
// their running sum modulo Modulus.
func Aggregate(checksums []uint32) uint32 {
	var acc Accumulator
	for _, sum := range checksums {
		acc.Add(sum)
	}
	return acc.Sum()
}

// Accumulator computes an aggregate checksum incrementally, so a client
// can derive the value to declare while it streams an upload. The zero
// value is ready to use.
type Accumulator struct {
	sum uint32
}

// Add folds the next checksum in order.
func (a *Accumulator) Add(checksum uint32) {
	// 64-bit so that a checksum above Modulus cannot wrap.
	a.sum = uint32((uint64(a.sum) + uint64(checksum)) % Modulus)
}

// AddContent folds the checksum of the next fragment's content.
func (a *Accumulator) AddContent(content []byte) {
	a.Add(ContentHash(content))
}

func (a *Accumulator) Sum() uint32 {
	return a.sum
}

// Digest is a streaming BLAKE3-256 over an asset's assembled content.
type Digest struct {
	hasher *blake3.Hasher
}

func NewDigest() *Digest {
	return &Digest{hasher: blake3.New()}
}

// Write implements io.Writer. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	return d.hasher.Write(p)
}

// Hex returns the lower-case hex encoding of the digest so far.
func (d *Digest) Hex() string {
	return hex.EncodeToString(d.hasher.Sum(nil))
}

// DigestOf returns the hex BLAKE3-256 of content.
func DigestOf(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
