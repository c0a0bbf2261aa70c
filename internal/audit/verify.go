package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// List returns up to limit rows from stream starting at offset, ordered by
// sequence_number ascending — the order verification depends on.
func List(ctx context.Context, q Querier, stream Stream, offset, limit int) ([]Record, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT id, actor_id, action, target_type, target_id, severity, event_type,
		       details, sequence_number, entry_hash, previous_hash
		FROM %s
		ORDER BY sequence_number ASC
		OFFSET $1 LIMIT $2
	`, stream), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", stream, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var severity string
		var actorID, targetID *uuid.UUID
		if err := rows.Scan(&r.ID, &actorID, &r.Action, &r.TargetType, &targetID,
			&severity, &r.EventType, &r.Details, &r.SequenceNumber, &r.EntryHash, &r.PreviousHash); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", stream, err)
		}
		r.Severity = Severity(severity)
		r.ActorID = actorID
		r.TargetID = targetID
		out = append(out, r)
	}
	return out, rows.Err()
}

// BreakAt is returned by Verify when the chain is intact up to (but not
// including) the row at this index.
type BreakAt struct {
	Index          int
	SequenceNumber int64
	Reason         string
}

// Verify recomputes the hash chain over rows (assumed contiguous and in
// ascending sequence_number order as returned by List) and reports the
// first row at which it breaks, if any. A break at row
// K means rows K..end are suspect — Verify stops at the first break rather
// than continuing to validate hashes downstream of already-untrusted data.
func Verify(rows []Record) *BreakAt {
	var prevHash string
	var prevSeq int64
	for i, r := range rows {
		if i == 0 {
			prevHash = r.PreviousHash
			prevSeq = r.SequenceNumber - 1
		}
		if r.SequenceNumber != prevSeq+1 {
			return &BreakAt{Index: i, SequenceNumber: r.SequenceNumber, Reason: "sequence_number is not contiguous"}
		}
		if r.PreviousHash != prevHash {
			return &BreakAt{Index: i, SequenceNumber: r.SequenceNumber, Reason: "previous_hash does not match prior row's entry_hash"}
		}

		var details map[string]any
		if len(r.Details) > 0 {
			// Details were stored already-canonicalized by Append, so
			// unmarshal-then-resort is a no-op in the non-tampered case and
			// a genuine recomputation in the tampered case.
			_ = json.Unmarshal(r.Details, &details)
		}
		canon, err := canonicalizeDetails(details)
		if err != nil {
			return &BreakAt{Index: i, SequenceNumber: r.SequenceNumber, Reason: "details could not be canonicalized"}
		}
		want := computeEntryHash(r.SequenceNumber, r.PreviousHash, r.Action, r.TargetType, r.EventType, canon)
		if want != r.EntryHash {
			return &BreakAt{Index: i, SequenceNumber: r.SequenceNumber, Reason: "entry_hash does not match recomputed hash"}
		}

		prevHash = r.EntryHash
		prevSeq = r.SequenceNumber
	}
	return nil
}
