package collab

import "errors"

type Status string

const (
	StatusPending    Status = "pending"
	StatusApplied    Status = "applied"
	StatusUndone     Status = "undone"
	StatusRedone     Status = "redone"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

type StatusEvent string

const (
	EventApply    StatusEvent = "apply"
	EventUndo     StatusEvent = "undo"
	EventRedo     StatusEvent = "redo"
	EventFail     StatusEvent = "fail"
	EventConflict StatusEvent = "conflict"
	// conflicted 操作被 accept/merge 后回到 applied
	EventResolve StatusEvent = "resolve"
)

var ErrIllegalTransition = errors.New("ILLEGAL_STATUS_TRANSITION")

// 状态机转移表：状态 × 事件 → 新状态。
// 除 undone⇄redone 可往复外都是单向的；conflicted 只有远端操作可达。
var statusTransitions = map[Status]map[StatusEvent]Status{
	StatusPending: {
		EventApply:    StatusApplied,
		EventFail:     StatusFailed,
		EventConflict: StatusConflicted,
	},
	StatusApplied: {
		EventUndo: StatusUndone,
		EventFail: StatusFailed,
	},
	StatusUndone: {
		EventRedo: StatusRedone,
		EventFail: StatusFailed,
	},
	StatusRedone: {
		EventUndo: StatusUndone,
		EventFail: StatusFailed,
	},
	// failed 可由成功的重试撤销/重做离开（redo→undo 重试路径）
	StatusFailed: {
		EventUndo: StatusUndone,
		EventRedo: StatusRedone,
	},
	StatusConflicted: {
		EventResolve: StatusApplied,
	},
}

// NextStatus 查表。非法转移返回原状态和 ErrIllegalTransition，
// 调用方决定是忽略还是记录。
func NextStatus(cur Status, ev StatusEvent) (Status, error) {
	if next, ok := statusTransitions[cur][ev]; ok {
		return next, nil
	}
	return cur, ErrIllegalTransition
}
