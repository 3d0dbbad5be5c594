package diag

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSnapshotFieldsRoundTrip(t *testing.T) {
	want := Snapshot{
		Name:           "md-ticks",
		ConsumerPolicy: "Sync_reader",
		ChecksumPolicy: "Enforced",
		RingCapacity:   64,
	}
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
