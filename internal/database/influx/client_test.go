package influx

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/tracker"
)

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func hasField(p *write.Point, key string) bool {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return true
		}
	}
	return false
}

func TestPoints(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		point    *write.Point
		measure  string
		wantTags map[string]string
		field    string
	}{
		{
			name:     "share",
			point:    sharePoint(tracker.ShareEvent{PoolID: 1, Result: tracker.ShareAccepted, Difficulty: 4, Time: now}),
			measure:  "shares",
			wantTags: map[string]string{"pool_id": "1", "result": "accepted", "block": "false"},
			field:    "difficulty",
		},
		{
			name:     "node block",
			point:    blockPoint(tracker.BlockEvent{Hash: "ab", PoolID: -1, Time: now}),
			measure:  "blocks",
			wantTags: map[string]string{"pool_id": "node"},
			field:    "hash",
		},
		{
			name:     "switch",
			point:    switchPoint(tracker.SwitchEvent{From: 0, To: 2, Strategy: "rotate", Time: now}),
			measure:  "pool_switches",
			wantTags: map[string]string{"strategy": "rotate", "to_pool": "2"},
			field:    "from_pool",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.point.Name() != tt.measure {
				t.Errorf("measurement = %q, want %q", tt.point.Name(), tt.measure)
			}
			got := tags(tt.point)
			for k, v := range tt.wantTags {
				if got[k] != v {
					t.Errorf("tag %s = %q, want %q", k, got[k], v)
				}
			}
			if !hasField(tt.point, tt.field) {
				t.Errorf("missing field %s", tt.field)
			}
			if !tt.point.Time().Equal(now) {
				t.Errorf("time = %v", tt.point.Time())
			}
		})
	}
}

func TestShareStats_Add(t *testing.T) {
	var s ShareStats
	s.add("accepted", 3)
	s.add("rejected", 1)
	s.add("stale", 0)
	if s.Total != 4 || s.Accepted != 3 || s.Rejected != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.AcceptPercent != 75 {
		t.Errorf("AcceptPercent = %v", s.AcceptPercent)
	}
}
