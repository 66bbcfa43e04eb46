package app

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// idGenerator derives task and subtask identifiers from the requestor's public key
// and a strictly increasing per-process counter, the same shape as the original
// system's public-key-derived generator (Open Question 4): collisions are assumed
// impossible by construction rather than guarded against centrally.
type idGenerator struct {
	publicKey string
	counter   atomic.Uint64
}

func newIDGenerator(publicKey string) *idGenerator {
	return &idGenerator{publicKey: publicKey}
}

// next returns a fresh hex-encoded identifier.
func (g *idGenerator) next() string {
	n := g.counter.Add(1)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n)

	h := sha256.New()
	h.Write([]byte(g.publicKey))
	h.Write(seq[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
