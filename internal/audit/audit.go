// Package audit implements the gateway's insert-only, hash-chained audit
// log across its two streams (administrative actions, authentication
// events). Every mutating call writes synchronously inside the caller's
// transaction: a mutation visible to any reader implies its audit row
// already exists, which an async channel cannot guarantee.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/mcpgate/internal/telemetry"
)

// Stream names the two audit tables.
type Stream string

const (
	StreamAdmin Stream = "audit_log_admin"
	StreamAuth  Stream = "audit_log_auth"
)

// Severity classifies an audit record the way an operator triages it.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Record is a single audit entry as read back from storage.
type Record struct {
	ID             uuid.UUID
	ActorID        *uuid.UUID
	Action         string
	TargetType     string
	TargetID       *uuid.UUID
	Severity       Severity
	EventType      string
	Details        json.RawMessage
	SequenceNumber int64
	EntryHash      string
	PreviousHash   string
}

// AppendRequest is what a caller submits to Append. The engine assigns
// SequenceNumber and computes the two hash fields; callers never set them.
type AppendRequest struct {
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   *uuid.UUID
	Severity   Severity
	EventType  string
	Details    map[string]any
}

// Querier is the subset of pgx behavior Append and Verify need. Passing a
// pgx.Tx here lets a caller write the audit row inside the same transaction
// as the mutation it describes, satisfying the ordering guarantee;
// passing a pgxpool.Conn (which also implements it) is fine for read-only
// verification.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Append assigns the next sequence number for stream, computes its hash
// chain over the previous row (read FOR UPDATE so two concurrent appends to
// the same stream never interleave), and inserts the new row. q must be a
// transaction: if the surrounding mutation rolls back, the audit row must
// roll back with it.
func Append(ctx context.Context, q Querier, stream Stream, req AppendRequest) (*Record, error) {
	var prevSeq int64
	var prevHash string
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT sequence_number, entry_hash FROM %s
		ORDER BY sequence_number DESC
		LIMIT 1
		FOR UPDATE
	`, stream)).Scan(&prevSeq, &prevHash)
	switch {
	case err == pgx.ErrNoRows:
		prevSeq, prevHash = 0, ""
	case err != nil:
		return nil, fmt.Errorf("reading previous audit row for %s: %w", stream, err)
	}

	seq := prevSeq + 1

	canon, err := canonicalizeDetails(req.Details)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing audit details: %w", err)
	}

	hash := computeEntryHash(seq, prevHash, req.Action, req.TargetType, req.EventType, canon)

	id := uuid.New()
	_, err = q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, actor_id, action, target_type, target_id, severity, event_type,
			 details, sequence_number, entry_hash, previous_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`, stream),
		id, req.ActorID, req.Action, req.TargetType, req.TargetID,
		string(req.Severity), req.EventType, json.RawMessage(canon),
		seq, hash, prevHash,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting %s row: %w", stream, err)
	}

	telemetry.AuditChainDepth.WithLabelValues(string(stream)).Set(float64(seq))

	return &Record{
		ID:             id,
		ActorID:        req.ActorID,
		Action:         req.Action,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		Severity:       req.Severity,
		EventType:      req.EventType,
		Details:        json.RawMessage(canon),
		SequenceNumber: seq,
		EntryHash:      hash,
		PreviousHash:   prevHash,
	}, nil
}

// computeEntryHash computes
// entry_hash = SHA-256(sequence_number || previous_hash || canonicalized(fields)).
func computeEntryHash(seq int64, prevHash, action, targetType, eventType string, canonDetails []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|", seq, prevHash, action, targetType, eventType)
	h.Write(canonDetails)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeDetails re-marshals details with recursively key-sorted
// objects so the hash is stable regardless of the order fields were
// inserted into the map. The key order is fixed explicitly by sortedValue
// rather than left to json.Marshal's own map handling.
func canonicalizeDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal(sortedValue(details))
}

// sortedValue recursively rewrites maps into ordered key/value slices so
// their JSON encoding is deterministic. json.Marshal already sorts
// map[string]any keys in Go's stdlib, but nested types (e.g. a struct with
// map fields, or any value flowing through an interface{} that isn't a
// plain map) can defeat that guarantee, so traversal is explicit rather
// than relied upon implicitly.
func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedPair{Key: k, Value: sortedValue(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return v
	}
}

// orderedMap marshals as a JSON object in the exact key order it was built
// in, which sortedValue always constructs sorted.
type orderedMap []orderedPair

type orderedPair struct {
	Key   string
	Value any
}

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b []byte
	b = append(b, '{')
	for i, p := range m {
		if i > 0 {
			b = append(b, ',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		b = append(b, key...)
		b = append(b, ':')
		b = append(b, val...)
	}
	b = append(b, '}')
	return b, nil
}
