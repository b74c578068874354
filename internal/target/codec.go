// Package target converts between pool share difficulty and 256-bit targets.
//
// Targets are stored big-endian. Conversion from difficulty uses 64-bit limb
// long division so that the result is exact for any float64 difficulty;
// float rounding never leaks into the low limbs the way a naive
// double-per-limb split would.
package target

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"math/bits"
)

// Target is a 256-bit big-endian share or network target.
type Target [32]byte

// truediffone is the difficulty 1 target 0x00000000FFFF0000...0000, as the
// most significant limb of four.
const truediffone = 0x00000000FFFF0000

// Max is the easiest possible target.
var Max = func() Target {
	var t Target
	for i := range t {
		t[i] = 0xff
	}
	return t
}()

// DiffOne is the difficulty 1 target.
var DiffOne = fromLimbs([4]uint64{truediffone, 0, 0, 0})

func (t Target) limbs() [4]uint64 {
	var l [4]uint64
	for i := range l {
		for j := 0; j < 8; j++ {
			l[i] = l[i]<<8 | uint64(t[i*8+j])
		}
	}
	return l
}

func fromLimbs(l [4]uint64) Target {
	var t Target
	for i := range l {
		for j := 0; j < 8; j++ {
			t[i*8+j] = byte(l[i] >> (56 - 8*j))
		}
	}
	return t
}

// FromDifficulty returns truediffone / diff. Non-positive or NaN difficulty is
// treated as 1; a quotient that does not fit 256 bits saturates to Max.
func FromDifficulty(diff float64) Target {
	if diff <= 0 || math.IsNaN(diff) {
		diff = 1
	}
	if math.IsInf(diff, 1) {
		return Target{}
	}

	// diff == mant * 2^(exp-53), mant a 53-bit integer.
	frac, exp := math.Frexp(diff)
	mant := uint64(frac * (1 << 53))
	shift := 53 - exp

	// Six limbs hold truediffone shifted left by up to 160 bits.
	const numLimbs = 6
	var num [numLimbs]uint64
	num[numLimbs-4] = truediffone

	if shift > 0 {
		if shift > 160 {
			return Max
		}
		num = shl(num, uint(shift))
	}

	var quo [numLimbs]uint64
	var rem uint64
	for i := 0; i < numLimbs; i++ {
		quo[i], rem = bits.Div64(rem, num[i], mant)
	}

	if shift < 0 {
		if -shift >= 256 {
			return Target{}
		}
		quo = shr(quo, uint(-shift))
	}

	if quo[0] != 0 || quo[1] != 0 {
		return Max
	}
	return fromLimbs([4]uint64{quo[2], quo[3], quo[4], quo[5]})
}

func shl(n [6]uint64, s uint) [6]uint64 {
	var out [6]uint64
	words, rem := int(s/64), s%64
	for i := 0; i < 6; i++ {
		src := i + words
		if src >= 6 {
			break
		}
		out[i] = n[src] << rem
		if rem != 0 && src+1 < 6 {
			out[i] |= n[src+1] >> (64 - rem)
		}
	}
	return out
}

func shr(n [6]uint64, s uint) [6]uint64 {
	var out [6]uint64
	words, rem := int(s/64), s%64
	for i := 5; i >= 0; i-- {
		src := i - words
		if src < 0 {
			break
		}
		out[i] = n[src] >> rem
		if rem != 0 && src-1 >= 0 {
			out[i] |= n[src-1] << (64 - rem)
		}
	}
	return out
}

// ToDifficulty returns truediffone / t as a float. A zero target is +Inf.
func ToDifficulty(t Target) float64 {
	l := t.limbs()
	var v float64
	for i, limb := range l {
		v += math.Ldexp(float64(limb), 64*(3-i))
	}
	if v == 0 {
		return math.Inf(1)
	}
	return math.Ldexp(float64(truediffone), 192) / v
}

// DeviceValue returns the most significant 64 bits of t, the integer test
// value 64-bit kernels compare against.
func DeviceValue(t Target) uint64 {
	return t.limbs()[0]
}

// DeviceValue32 returns the 32-bit word just below the most significant one.
// Kernels that already require the top hash word to be zero compare this.
func DeviceValue32(t Target) uint32 {
	return uint32(t.limbs()[0])
}

// HashMeetsTarget reports whether a little-endian hash (as produced by
// double SHA-256 over a header) is at or below t.
func HashMeetsTarget(hash []byte, t Target) bool {
	if len(hash) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		h := hash[31-i]
		if h != t[i] {
			return h < t[i]
		}
	}
	return true
}

// HashDifficulty returns the share difficulty a little-endian hash achieves.
func HashDifficulty(hash []byte) float64 {
	var t Target
	for i := 0; i < 32 && i < len(hash); i++ {
		t[i] = hash[len(hash)-1-i]
	}
	return ToDifficulty(t)
}

// Cmp compares two targets as unsigned integers.
func (t Target) Cmp(o Target) int {
	for i := range t {
		if t[i] != o[i] {
			if t[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Big returns t as a big integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// String returns the big-endian hex form.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// LittleEndian returns a copy of t in little-endian byte order.
func (t Target) LittleEndian() [32]byte {
	var out [32]byte
	for i := range t {
		out[i] = t[31-i]
	}
	return out
}

// FromBig converts a non-negative integer, saturating above 2^256-1.
func FromBig(n *big.Int) Target {
	if n.Sign() <= 0 {
		return Target{}
	}
	if n.BitLen() > 256 {
		return Max
	}
	var t Target
	n.FillBytes(t[:])
	return t
}

// ParseHex parses a big-endian hex target such as a block template's.
func ParseHex(s string) (Target, error) {
	var t Target
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid target hex: %w", err)
	}
	if len(b) > 32 {
		return t, fmt.Errorf("target too long: %d bytes", len(b))
	}
	copy(t[32-len(b):], b)
	return t, nil
}

// ParseHexLE parses a little-endian hex target as served by getwork.
func ParseHexLE(s string) (Target, error) {
	var t Target
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid target hex: %w", err)
	}
	if len(b) != 32 {
		return t, fmt.Errorf("target must be 32 bytes, got %d", len(b))
	}
	for i := range b {
		t[i] = b[31-i]
	}
	return t, nil
}
