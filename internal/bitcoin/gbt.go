package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Template is a decoded getblocktemplate result ready for work building.
type Template struct {
	Raw          *btcjson.GetBlockTemplateResult
	Version      int32
	PrevHash     chainhash.Hash
	Bits         uint32
	CurTime      uint32
	Coinbase     *wire.MsgTx
	Transactions []*wire.MsgTx
	WorkID       string
}

// DecodeTemplate validates a template and deserializes its transactions. The
// pool must supply coinbasetxn; the miner has no payout address of its own.
func DecodeTemplate(t *btcjson.GetBlockTemplateResult) (*Template, error) {
	if t == nil {
		return nil, fmt.Errorf("empty block template")
	}
	if t.CoinbaseTxn == nil || t.CoinbaseTxn.Data == "" {
		return nil, fmt.Errorf("block template has no coinbasetxn")
	}

	prev, err := chainhash.NewHashFromStr(t.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previousblockhash: %w", err)
	}
	bits, err := ParseUint32BE(t.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits: %w", err)
	}
	coinbase, err := decodeTx(t.CoinbaseTxn.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbasetxn: %w", err)
	}
	if len(coinbase.TxIn) == 0 {
		return nil, fmt.Errorf("coinbasetxn has no inputs")
	}

	txs := make([]*wire.MsgTx, 0, len(t.Transactions))
	for i, tx := range t.Transactions {
		msgTx, err := decodeTx(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction %d: %w", i, err)
		}
		txs = append(txs, msgTx)
	}

	return &Template{
		Raw:          t,
		Version:      t.Version,
		PrevHash:     *prev,
		Bits:         bits,
		CurTime:      uint32(t.CurTime),
		Coinbase:     coinbase,
		Transactions: txs,
		WorkID:       t.WorkID,
	}, nil
}

func decodeTx(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CoinbaseWithNonce returns a copy of the template coinbase with extranonce
// appended to its scriptSig.
func (t *Template) CoinbaseWithNonce(extranonce []byte) *wire.MsgTx {
	cb := t.Coinbase.Copy()
	script := append([]byte(nil), cb.TxIn[0].SignatureScript...)
	cb.TxIn[0].SignatureScript = append(script, extranonce...)
	return cb
}

// MerkleRoot returns the merkle root over coinbase followed by the template
// transactions.
func (t *Template) MerkleRoot(coinbase *wire.MsgTx) chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(t.Transactions)+1)
	hashes = append(hashes, *btcutil.NewTx(coinbase).Hash())
	for _, tx := range t.Transactions {
		hashes = append(hashes, *btcutil.NewTx(tx).Hash())
	}
	return CalculateMerkleRoot(hashes)
}

// SerializeBlock assembles a solved block for submitblock.
func SerializeBlock(header []byte, coinbase *wire.MsgTx, txs []*wire.MsgTx) (string, error) {
	h, err := DecodeHeader(header)
	if err != nil {
		return "", err
	}
	block := wire.NewMsgBlock(h)
	if err := block.AddTransaction(coinbase); err != nil {
		return "", err
	}
	for _, tx := range txs {
		if err := block.AddTransaction(tx); err != nil {
			return "", err
		}
	}

	raw, err := btcutil.NewBlock(block).Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to serialize block: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
