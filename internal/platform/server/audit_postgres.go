package server

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
)

func normalizeAuditJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return []byte(`{}`)
	}
	return raw
}

// insertAuditEventTx mirrors one chained audit event into audit_events inside
// the caller's transaction, so the durable trail commits or rolls back with
// the money movement it describes. The hashes were computed by the in-memory
// chain; the row is stored as linked.
func insertAuditEventTx(ctx context.Context, tx *sql.Tx, ev audit.Event) error {
	if tx == nil || ev.AuditID == "" {
		return nil
	}
	const q = `
INSERT INTO audit_events (
  audit_id, occurred_at, recorded_at,
  actor_id, actor_role,
  object_type, object_id, action,
  before_state, after_state,
  result, reason,
  partition_day,
  hash_prev, hash_curr
)
VALUES (
  $1, $2::timestamptz, $3::timestamptz,
  $4, $5,
  $6, $7, $8,
  $9::jsonb, $10::jsonb,
  $11, $12,
  $13::date,
  $14, $15
)
ON CONFLICT (audit_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q,
		ev.AuditID,
		ev.OccurredAt.UTC(),
		ev.RecordedAt.UTC(),
		ev.ActorID,
		ev.ActorRole,
		ev.ObjectType,
		ev.ObjectID,
		ev.Action,
		normalizeAuditJSON(ev.Before),
		normalizeAuditJSON(ev.After),
		string(ev.Result),
		ev.Reason,
		ev.PartitionDay,
		ev.HashPrev,
		ev.HashCurr,
	)
	return err
}
