package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// IDGenerator allocates candidate document ids. Collisions are handled by
// the collection (bounded retry, then util.ErrGeneratorExhausted).
type IDGenerator interface {
	Next() string
}

// maxIDAttempts bounds collision retries during Insert. The original
// behavior retried forever; a bounded retry fails loudly instead.
const maxIDAttempts = 100

// NumericGenerator yields random decimal ids.
type NumericGenerator struct{}

func (NumericGenerator) Next() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000_000))
	if err != nil {
		// crypto/rand failure is not recoverable at this level
		panic(fmt.Sprintf("store: reading random source: %v", err))
	}
	return n.String()
}

// UUIDGenerator yields uuid4 ids in bare hex form (no dashes).
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// URandomGenerator yields fixed-length hex ids read from the system
// random source.
type URandomGenerator struct {
	// Bytes of entropy per id; defaults to 12 (24 hex chars).
	Length int
}

func (g URandomGenerator) Next() string {
	n := g.Length
	if n <= 0 {
		n = 12
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("store: reading random source: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewGenerator returns the generator for a configured name:
// "numeric", "uuid" or "urandom". Unknown names default to uuid.
func NewGenerator(name string) IDGenerator {
	switch name {
	case "numeric":
		return NumericGenerator{}
	case "urandom":
		return URandomGenerator{}
	default:
		return UUIDGenerator{}
	}
}
