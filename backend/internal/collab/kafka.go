package collab

import (
	"time"

	"storyCollab/backend/internal/ot"
)

// 操作事件类型
const (
	EventOpApplied        = "OP_APPLIED"
	EventConflictResolved = "CONFLICT_RESOLVED"
)

// OpEvent 发往 Kafka 的操作事件（审计流，后续服务按需消费）
type OpEvent struct {
	EventType   string `json:"eventType"`
	DocID       string `json:"docId"`
	OperationID string `json:"operationId"`
	AuthorID    uint64 `json:"authorId"`
	// 远端来的操作 Origin 为 remote，本地发起为 local
	Origin Origin         `json:"origin"`
	Status Status         `json:"status"`
	Ops    []ot.Operation `json:"ops"`
	// 裁决事件才有
	Resolution Resolution `json:"resolution,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	AppliedAt  time.Time  `json:"appliedAt"`
}

// NewOpEvent 从日志条目构造事件
func NewOpEvent(eventType, docID string, u *UndoableOperation) OpEvent {
	return OpEvent{
		EventType:   eventType,
		DocID:       docID,
		OperationID: u.ID,
		AuthorID:    u.UserID,
		Origin:      u.Origin,
		Status:      u.Status,
		Ops:         u.Ops,
		Timestamp:   u.Timestamp,
		AppliedAt:   time.Now(),
	}
}
