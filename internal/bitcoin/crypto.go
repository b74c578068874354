// Package bitcoin provides the block header, coinbase and merkle primitives
// used to turn pool jobs into hashable headers, plus the getwork/GBT RPC
// client and the ZMQ block notifier.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	sha256 "github.com/minio/sha256-simd"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// Byte offsets of the mutable header fields.
const (
	NTimeOffset = 68
	NBitsOffset = 72
	NonceOffset = 76
)

var (
	// bufferPool provides reusable byte buffers for header and coinbase
	// serialization on the work building hot path.
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 512))
		},
	}

	// hashSlicePool provides reusable slices for merkle tree levels.
	hashSlicePool = sync.Pool{
		New: func() any {
			return make([]chainhash.Hash, 0, 4000)
		},
	}
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() < 4*1024*1024 {
		bufferPool.Put(buf)
	}
}

func getHashSlice() []chainhash.Hash {
	return hashSlicePool.Get().([]chainhash.Hash)[:0]
}

func putHashSlice(slice []chainhash.Hash) {
	if cap(slice) < 10000 {
		hashSlicePool.Put(slice)
	}
}

// DoubleSHA256 returns sha256(sha256(b)).
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// EncodeExtranonce2 renders n as a little-endian field of size bytes,
// truncating the high bytes.
func EncodeExtranonce2(n uint64, size int) []byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], n)
	out := make([]byte, size)
	copy(out, le[:])
	return out
}

// BuildCoinbase concatenates coinb1, extranonce1, extranonce2 and coinb2.
func BuildCoinbase(coinb1, extranonce1, extranonce2, coinb2 []byte) []byte {
	cb := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	cb = append(cb, coinb1...)
	cb = append(cb, extranonce1...)
	cb = append(cb, extranonce2...)
	return append(cb, coinb2...)
}

// MerkleRootFromBranch folds the coinbase hash with each branch hash, the
// way a stratum job describes the merkle root.
func MerkleRootFromBranch(coinbase []byte, branch [][]byte) chainhash.Hash {
	root := DoubleSHA256(coinbase)
	var concat [64]byte
	for _, b := range branch {
		copy(concat[:32], root[:])
		copy(concat[32:], b)
		root = DoubleSHA256(concat[:])
	}
	return chainhash.Hash(root)
}

// CalculateMerkleRoot calculates the merkle root of a full transaction list.
// For odd numbers of hashes, the last one is duplicated.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}
	if len(txHashes) == 1 {
		return txHashes[0]
	}

	currentLevel := append(getHashSlice(), txHashes...)
	var concat [64]byte
	for len(currentLevel) > 1 {
		nextLevel := getHashSlice()
		for i := 0; i < len(currentLevel); i += 2 {
			left := currentLevel[i]
			right := left
			if i+1 < len(currentLevel) {
				right = currentLevel[i+1]
			}
			copy(concat[:32], left[:])
			copy(concat[32:], right[:])
			nextLevel = append(nextLevel, chainhash.Hash(DoubleSHA256(concat[:])))
		}
		putHashSlice(currentLevel)
		currentLevel = nextLevel
	}

	root := currentLevel[0]
	putHashSlice(currentLevel)
	return root
}

// ParsePrevHash decodes a stratum previous block hash. Stratum sends the
// hash with the bytes of every 32-bit word reversed.
func ParsePrevHash(s string) (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid prevhash hex: %w", err)
	}
	if len(b) != chainhash.HashSize {
		return h, fmt.Errorf("prevhash must be %d bytes, got %d", chainhash.HashSize, len(b))
	}
	swapWords(b)
	copy(h[:], b)
	return h, nil
}

// EncodePrevHash is the inverse of ParsePrevHash.
func EncodePrevHash(h chainhash.Hash) string {
	b := h.CloneBytes()
	swapWords(b)
	return hex.EncodeToString(b)
}

// swapWords reverses the byte order of each 4-byte word in place.
func swapWords(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

// ParseUint32BE parses the big-endian hex fields stratum uses for version,
// nbits and ntime.
func ParseUint32BE(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex uint32 %q: %w", s, err)
	}
	return uint32(v), nil
}

// FormatUint32BE is the inverse of ParseUint32BE.
func FormatUint32BE(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// SerializeHeader assembles and serializes an 80-byte header.
func SerializeHeader(version int32, prev, merkle chainhash.Hash, ntime, nbits, nonce uint32) ([]byte, error) {
	header := wire.BlockHeader{
		Version:    version,
		PrevBlock:  prev,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       nbits,
		Nonce:      nonce,
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := header.Serialize(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize header: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// DecodeHeader parses a serialized header.
func DecodeHeader(b []byte) (*wire.BlockHeader, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %w", err)
	}
	return &h, nil
}

// HeaderNTime reads the timestamp field of a serialized header.
func HeaderNTime(header []byte) uint32 {
	return binary.LittleEndian.Uint32(header[NTimeOffset:])
}

// SetHeaderNTime writes the timestamp field of a serialized header.
func SetHeaderNTime(header []byte, ntime uint32) {
	binary.LittleEndian.PutUint32(header[NTimeOffset:], ntime)
}

// SetHeaderNonce writes the nonce field of a serialized header.
func SetHeaderNonce(header []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(header[NonceOffset:], nonce)
}

// HeaderPrevHash returns the previous block hash of a serialized header.
func HeaderPrevHash(header []byte) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], header[4:36])
	return h
}

// DecodeGetworkData converts the 128-byte getwork data field into a header.
// getwork serves every 32-bit word byte-swapped.
func DecodeGetworkData(s string) (header []byte, data []byte, err error) {
	data, err = hex.DecodeString(s)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid getwork data hex: %w", err)
	}
	if len(data) != 128 {
		return nil, nil, fmt.Errorf("getwork data must be 128 bytes, got %d", len(data))
	}
	header = append([]byte(nil), data[:HeaderSize]...)
	swapWords(header)
	return header, data, nil
}

// EncodeGetworkData writes header back into the getwork data layout for
// submission.
func EncodeGetworkData(data, header []byte) string {
	out := append([]byte(nil), data...)
	copy(out, header[:HeaderSize])
	swapWords(out[:HeaderSize])
	return hex.EncodeToString(out)
}
