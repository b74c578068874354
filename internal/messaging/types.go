package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/tracker"
)

// Events are published as google.protobuf.Struct so consumers need no
// generated schema.

// ShareStruct encodes a share event.
func ShareStruct(ev tracker.ShareEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":               ev.ID,
		"pool_id":          ev.PoolID,
		"pool_url":         ev.PoolURL,
		"user":             ev.User,
		"job_id":           ev.JobID,
		"extranonce2":      ev.Extranonce2,
		"ntime":            ev.NTime,
		"nonce":            ev.Nonce,
		"difficulty":       ev.Difficulty,
		"share_difficulty": ev.ShareDiff,
		"result":           string(ev.Result),
		"reason":           ev.Reason,
		"block":            ev.Block,
		"latency_ms":       ev.Latency.Milliseconds(),
		"time":             ev.Time.UTC().Format(time.RFC3339Nano),
	})
}

// BlockStruct encodes a block event.
func BlockStruct(ev tracker.BlockEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"hash":       ev.Hash,
		"pool_id":    ev.PoolID,
		"generation": ev.Generation,
		"time":       ev.Time.UTC().Format(time.RFC3339Nano),
	})
}

// SwitchStruct encodes a pool switch event.
func SwitchStruct(ev tracker.SwitchEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"from":     ev.From,
		"to":       ev.To,
		"strategy": ev.Strategy,
		"time":     ev.Time.UTC().Format(time.RFC3339Nano),
	})
}

// ShareFromStruct decodes a share event published by ShareStruct.
func ShareFromStruct(s *structpb.Struct) tracker.ShareEvent {
	f := s.GetFields()
	ev := tracker.ShareEvent{
		ID:          f["id"].GetStringValue(),
		PoolID:      int(f["pool_id"].GetNumberValue()),
		PoolURL:     f["pool_url"].GetStringValue(),
		User:        f["user"].GetStringValue(),
		JobID:       f["job_id"].GetStringValue(),
		Extranonce2: f["extranonce2"].GetStringValue(),
		NTime:       f["ntime"].GetStringValue(),
		Nonce:       f["nonce"].GetStringValue(),
		Difficulty:  f["difficulty"].GetNumberValue(),
		ShareDiff:   f["share_difficulty"].GetNumberValue(),
		Result:      tracker.ShareResult(f["result"].GetStringValue()),
		Reason:      f["reason"].GetStringValue(),
		Block:       f["block"].GetBoolValue(),
		Latency:     time.Duration(f["latency_ms"].GetNumberValue()) * time.Millisecond,
	}
	ev.Time, _ = time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	return ev
}
