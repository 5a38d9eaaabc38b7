package model

import "time"

// BroadcastResult is the outcome of a single broadcast job attempt.
type BroadcastResult string

const (
	// BroadcastPending means the job waits in the queue.
	BroadcastPending BroadcastResult = "pending"
	// BroadcastSent means the message was delivered to the chat transport.
	BroadcastSent BroadcastResult = "sent"
	// BroadcastFailed means delivery failed after retries.
	BroadcastFailed BroadcastResult = "failed"
	// BroadcastThrottled means the tenant's hourly budget was exhausted;
	// the job is re-queued, not dropped.
	BroadcastThrottled BroadcastResult = "throttled"
)

// BroadcastJob is one outbound message to one end user of a tenant.
type BroadcastJob struct {
	ID          int64           `db:"id"`
	TenantID    int64           `db:"tenant_id"`
	ChatID      int64           `db:"chat_id"`
	Payload     string          `db:"payload"`
	Result      BroadcastResult `db:"result"`
	Error       string          `db:"error"`
	EnqueuedAt  time.Time       `db:"enqueued_at"`
	AttemptedAt *time.Time      `db:"attempted_at"`
}
