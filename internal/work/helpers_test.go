package work

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
)

const (
	testPrevHash = "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000"
	testCoinb1   = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008"
	testCoinb2   = "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000"
	testBranch   = "8b1a1f70a3f0e1c9b1d63e5a3d6c1b2c4d5e6f708192a3b4c5d6e7f8091a2b3c"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func testJob(t *testing.T, id string) *pool.Job {
	t.Helper()
	return &pool.Job{
		JobID:        id,
		PrevHash:     testPrevHash,
		Coinb1:       mustHex(t, testCoinb1),
		Coinb2:       mustHex(t, testCoinb2),
		MerkleBranch: [][]byte{mustHex(t, testBranch)},
		Version:      "00000002",
		NBits:        "1c2ac4af",
		NTime:        "504e86b9",
	}
}

// stratumPool returns a pool that has subscribed and received job "j1" at
// difficulty 16.
func stratumPool(t *testing.T, id int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{URL: "stratum+tcp://pool.example.com:3333", User: "worker"})
	p.ID = id
	p.SetSubscription([]byte{0x08, 0x00, 0x00, 0x02}, 4, "s1")
	p.SetNextDifficulty(16)
	p.ApplyNotify(testJob(t, "j1"))
	return p
}

func rpcPool(id int) *pool.Pool {
	p := pool.New(pool.Config{URL: "http://127.0.0.1:8332", User: "u", Pass: "p"})
	p.ID = id
	return p
}

type fakeRPC struct {
	work     *bitcoin.GetworkResult
	workErr  error
	tmpl     *btcjson.GetBlockTemplateResult
	tmplErr  error
	reply    *bitcoin.Reply
	gets     int
	gbtCalls int
}

func (f *fakeRPC) GetWork(_ context.Context, _ bitcoin.Endpoint) (*bitcoin.GetworkResult, *bitcoin.Reply, error) {
	f.gets++
	if f.workErr != nil {
		return nil, nil, f.workErr
	}
	return f.work, f.reply, nil
}

func (f *fakeRPC) GetBlockTemplate(_ context.Context, _ bitcoin.Endpoint) (*btcjson.GetBlockTemplateResult, *bitcoin.Reply, error) {
	f.gbtCalls++
	if f.tmplErr != nil {
		return nil, nil, f.tmplErr
	}
	return f.tmpl, f.reply, nil
}
