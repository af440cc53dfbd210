package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// Height is a block index. Genesis is height 0.
type Height = uint32

// Hash256 is a 32-byte content hash (double-SHA256 of the preimage).
type Hash256 [32]byte

// Hash160 is a 20-byte script hash.
type Hash160 [20]byte

// PubKey is a compressed point on secp256r1 (NEO's P-256 curve, which is
// exactly crypto/elliptic's P256 — no third-party curve library needed).
type PubKey [33]byte

var (
	zeroHash256 Hash256
	zeroHash160 Hash160
)

// IsZero reports whether h is the all-zero hash (used for prev_hash of genesis).
func (h Hash256) IsZero() bool { return h == zeroHash256 }

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }
func (h Hash160) String() string { return hex.EncodeToString(h[:]) }
func (p PubKey) String() string  { return hex.EncodeToString(p[:]) }

// Less orders Hash256 as a big-endian arbitrary-precision integer, the
// tie-breaker used by mempool eviction ordering (spec §4.4).
func (h Hash256) Less(other Hash256) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// SortHash256 sorts hashes ascending by their big-endian integer value.
func SortHash256(hs []Hash256) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Less(hs[j]) })
}

// Fixed8 is a signed fixed-point number with 10^-8 precision, matching
// NEO's GAS/NEO unit. Arithmetic is plain int64 arithmetic on the
// scaled value; EncodeRLP/DecodeRLP below give it a byte-stable wire
// form despite being a signed type (the rlp package only encodes
// unsigned integers natively).
type Fixed8 int64

// Fixed8Decimals is the number of fractional decimal digits.
const Fixed8Decimals = 8

// Fixed8FromInt constructs a Fixed8 representing an integral amount.
func Fixed8FromInt(v int64) Fixed8 { return Fixed8(v * 1e8) }

func (f Fixed8) Float64() float64 { return float64(f) / 1e8 }

func (f Fixed8) Add(o Fixed8) Fixed8 { return f + o }
func (f Fixed8) Sub(o Fixed8) Fixed8 { return f - o }

func (f Fixed8) String() string {
	return fmt.Sprintf("%d.%08d", int64(f)/1e8, abs64(int64(f)%1e8))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// EncodeRLP implements rlp.Encoder by writing the two's-complement bit
// pattern as an 8-byte big-endian string, round-tripping negative deltas
// used transiently during balance adjustments.
func (f Fixed8) EncodeRLP(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(f))
	return rlp.Encode(w, buf[:])
}

// DecodeRLP implements rlp.Decoder.
func (f *Fixed8) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("fixed8: invalid encoded length %d", len(b))
	}
	*f = Fixed8(int64(binary.BigEndian.Uint64(b)))
	return nil
}

// flag is a single-byte boolean used in RLP-encoded entities; the rlp
// package's bool support is intentionally not relied upon here so that
// every persisted struct sticks to the same small set of primitive kinds.
type flag byte

func boolToFlag(b bool) flag {
	if b {
		return 1
	}
	return 0
}

func (f flag) bool() bool { return f != 0 }
