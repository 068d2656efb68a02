package chatty

import (
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifier Factory. Generates "prefix_suffix" opaque ids where suffix is a
// random alphanumeric string with at least ~71 bits of entropy. Three
// prefixes are used across the system: conv (conversation), trace (trace),
// msg (message). Collisions are treated as impossible; there is no
// coordination across replicas, matching the source design.
//
// The random suffix is sourced from two concatenated UUIDv4s (256 bits, 244
// of them crypto/rand-backed random bits, via google/uuid, already a teacher dependency)
// base62-encoded, then truncated to 16 characters — 16 chars of base62 is
// log2(62^16) ≈ 95 bits, comfortably above the ~71-bit floor.
const idSuffixLen = 16

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var base62Base = big.NewInt(int64(len(base62Alphabet)))

func newPrefixedID(prefix string) string {
	a, b := uuid.New(), uuid.New()
	raw := append(a[:], b[:]...)
	n := new(big.Int).SetBytes(raw)

	var sb strings.Builder
	sb.Grow(idSuffixLen)
	mod := new(big.Int)
	for n.Sign() > 0 && sb.Len() < idSuffixLen {
		n.DivMod(n, base62Base, mod)
		sb.WriteByte(base62Alphabet[mod.Int64()])
	}
	for sb.Len() < idSuffixLen {
		sb.WriteByte(base62Alphabet[0])
	}

	return prefix + "_" + sb.String()
}

// NewConversationID mints a fresh conversation id (prefix "conv").
func NewConversationID() string { return newPrefixedID("conv") }

// NewTraceID mints a fresh trace id (prefix "trace").
func NewTraceID() string { return newPrefixedID("trace") }

// NewMessageID mints a fresh message id (prefix "msg").
func NewMessageID() string { return newPrefixedID("msg") }

// NewDocumentID mints a fresh ingested-document id (prefix "doc").
func NewDocumentID() string { return newPrefixedID("doc") }

// NewChunkID mints a fresh chunk id (prefix "chunk").
func NewChunkID() string { return newPrefixedID("chunk") }

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 { return time.Now().Unix() }
