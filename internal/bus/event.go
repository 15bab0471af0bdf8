package bus

import "time"

// Event kinds published by telequeryd.
const (
	KindStatusChanged      = "daemon.status_changed"
	KindExpansionBatchDone = "expansion.batch_done"
	KindExpansionCompleted = "expansion.completed"
	KindExpansionFailed    = "expansion.failed"
	KindIndexRebuilt       = "index.rebuilt"
	KindMessagesImported   = "messages.imported"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
