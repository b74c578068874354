package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
)

func genesisTemplate(t *testing.T) *btcjson.GetBlockTemplateResult {
	t.Helper()
	g := chaincfg.MainNetParams.GenesisBlock
	return &btcjson.GetBlockTemplateResult{
		Version:      g.Header.Version,
		PreviousHash: g.Header.PrevBlock.String(),
		Bits:         "1d00ffff",
		CurTime:      g.Header.Timestamp.Unix(),
		CoinbaseTxn:  &btcjson.GetBlockTemplateResultTx{Data: hex.EncodeToString(genesisCoinbase(t))},
		WorkID:       "w1",
	}
}

func TestDecodeTemplate(t *testing.T) {
	tmpl, err := DecodeTemplate(genesisTemplate(t))
	if err != nil {
		t.Fatalf("DecodeTemplate: %v", err)
	}
	if tmpl.Bits != 0x1d00ffff || tmpl.WorkID != "w1" || tmpl.Version != 1 {
		t.Errorf("template = %+v", tmpl)
	}
	if got := tmpl.MerkleRoot(tmpl.Coinbase); got != chaincfg.MainNetParams.GenesisBlock.Header.MerkleRoot {
		t.Errorf("MerkleRoot = %s", got)
	}
}

func TestDecodeTemplate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*btcjson.GetBlockTemplateResult)
	}{
		{"no coinbasetxn", func(r *btcjson.GetBlockTemplateResult) { r.CoinbaseTxn = nil }},
		{"bad prevhash", func(r *btcjson.GetBlockTemplateResult) { r.PreviousHash = "xyz" }},
		{"bad bits", func(r *btcjson.GetBlockTemplateResult) { r.Bits = "1d" }},
		{"bad coinbase", func(r *btcjson.GetBlockTemplateResult) { r.CoinbaseTxn.Data = "00" }},
		{"bad transaction", func(r *btcjson.GetBlockTemplateResult) {
			r.Transactions = []btcjson.GetBlockTemplateResultTx{{Data: "zz"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := genesisTemplate(t)
			tt.mutate(r)
			if _, err := DecodeTemplate(r); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := DecodeTemplate(nil); err == nil {
		t.Error("nil template accepted")
	}
}

func TestTemplate_CoinbaseWithNonce(t *testing.T) {
	tmpl, err := DecodeTemplate(genesisTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	orig := append([]byte(nil), tmpl.Coinbase.TxIn[0].SignatureScript...)

	cb := tmpl.CoinbaseWithNonce([]byte{0xaa, 0xbb})
	script := cb.TxIn[0].SignatureScript
	if !bytes.HasSuffix(script, []byte{0xaa, 0xbb}) || len(script) != len(orig)+2 {
		t.Errorf("extranonce not appended: %x", script)
	}
	if !bytes.Equal(tmpl.Coinbase.TxIn[0].SignatureScript, orig) {
		t.Error("template coinbase was mutated")
	}
	if tmpl.MerkleRoot(cb) == tmpl.MerkleRoot(tmpl.Coinbase) {
		t.Error("extranonce did not change the merkle root")
	}
}

func TestSerializeBlock_Genesis(t *testing.T) {
	g := chaincfg.MainNetParams.GenesisBlock
	header, err := SerializeHeader(g.Header.Version, g.Header.PrevBlock, g.Header.MerkleRoot,
		uint32(g.Header.Timestamp.Unix()), g.Header.Bits, g.Header.Nonce)
	if err != nil {
		t.Fatal(err)
	}

	got, err := SerializeBlock(header, g.Transactions[0], nil)
	if err != nil {
		t.Fatalf("SerializeBlock: %v", err)
	}

	var want bytes.Buffer
	if err := g.Serialize(&want); err != nil {
		t.Fatal(err)
	}
	if got != hex.EncodeToString(want.Bytes()) {
		t.Error("serialized block differs from the genesis block")
	}
}
