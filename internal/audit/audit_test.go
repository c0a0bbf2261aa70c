package audit

import (
	"testing"
)

func TestCanonicalizeDetailsIsOrderIndependent(t *testing.T) {
	a, err := canonicalizeDetails(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	if err != nil {
		t.Fatalf("canonicalizeDetails() error = %v", err)
	}
	b, err := canonicalizeDetails(map[string]any{"a": 2, "c": map[string]any{"y": 2, "z": 1}, "b": 1})
	if err != nil {
		t.Fatalf("canonicalizeDetails() error = %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical canonical JSON regardless of map insertion order, got %q vs %q", a, b)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(a) != want {
		t.Fatalf("canonicalizeDetails() = %q, want %q", a, want)
	}
}

func TestComputeEntryHashDeterministic(t *testing.T) {
	canon, _ := canonicalizeDetails(map[string]any{"foo": "bar"})
	h1 := computeEntryHash(1, "", "created", "tenant", "tier_changed", canon)
	h2 := computeEntryHash(1, "", "created", "tenant", "tier_changed", canon)
	if h1 != h2 {
		t.Fatal("expected computeEntryHash to be deterministic for identical inputs")
	}

	h3 := computeEntryHash(2, "", "created", "tenant", "tier_changed", canon)
	if h1 == h3 {
		t.Fatal("expected a different sequence number to change the hash")
	}
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	canon1, _ := canonicalizeDetails(map[string]any{"n": 1})
	hash1 := computeEntryHash(1, "", "a1", "t", "e1", canon1)

	canon2, _ := canonicalizeDetails(map[string]any{"n": 2})
	hash2 := computeEntryHash(2, hash1, "a2", "t", "e2", canon2)

	rows := []Record{
		{SequenceNumber: 1, PreviousHash: "", EntryHash: hash1, Action: "a1", TargetType: "t", EventType: "e1", Details: canon1},
		{SequenceNumber: 2, PreviousHash: hash1, EntryHash: hash2, Action: "a2", TargetType: "t", EventType: "e2", Details: canon2},
	}

	if brk := Verify(rows); brk != nil {
		t.Fatalf("expected intact chain to verify, got break: %+v", brk)
	}

	tampered := append([]Record(nil), rows...)
	tampered[1].Details = []byte(`{"n":999}`)
	if brk := Verify(tampered); brk == nil {
		t.Fatal("expected tampered details to break verification")
	} else if brk.Index != 1 {
		t.Fatalf("expected break at index 1, got %d", brk.Index)
	}

	skippedSeq := append([]Record(nil), rows...)
	skippedSeq[1].SequenceNumber = 3
	if brk := Verify(skippedSeq); brk == nil {
		t.Fatal("expected a sequence_number gap to break verification")
	}

	wrongPrev := append([]Record(nil), rows...)
	wrongPrev[1].PreviousHash = "deadbeef"
	if brk := Verify(wrongPrev); brk == nil {
		t.Fatal("expected a mismatched previous_hash to break verification")
	}
}
