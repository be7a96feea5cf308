package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one entry in the money-movement audit trail. Before and After hold
// JSON snapshots of the mutated object (account, withdrawal, earnings row) so
// every balance change can be reconstructed without replaying the ledger.
type Event struct {
	AuditID      string
	OccurredAt   time.Time
	RecordedAt   time.Time
	ActorID      string
	ActorRole    string
	ObjectType   string
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}
