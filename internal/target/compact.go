package target

import (
	"github.com/btcsuite/btcd/blockchain"
)

// Encoding selects how an algorithm turns difficulty into a target.
type Encoding int

const (
	// EncodingTruediff divides truediffone by the difficulty exactly.
	EncodingTruediff Encoding = iota
	// EncodingCompact packs the quotient into nBits form first, so the target
	// carries only the 23-bit mantissa precision a node would use.
	EncodingCompact
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case EncodingCompact:
		return "compact"
	default:
		return "truediff"
	}
}

// FromDifficultyWith converts diff using the given encoding.
func FromDifficultyWith(diff float64, enc Encoding) Target {
	if enc == EncodingCompact {
		return FromDifficultyCompact(diff)
	}
	return FromDifficulty(diff)
}

// FromDifficultyCompact returns the difficulty target rounded through its
// compact representation.
func FromDifficultyCompact(diff float64) Target {
	return FromCompact(ToCompact(FromDifficulty(diff)))
}

// FromCompact expands nBits into a target.
func FromCompact(bits uint32) Target {
	return FromBig(blockchain.CompactToBig(bits))
}

// ToCompact packs t into nBits.
func ToCompact(t Target) uint32 {
	return blockchain.BigToCompact(t.Big())
}

// NetworkDifficulty returns the difficulty of a block with the given nBits.
func NetworkDifficulty(bits uint32) float64 {
	return ToDifficulty(FromCompact(bits))
}
