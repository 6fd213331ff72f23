package collab

import (
	"errors"
	"sync"
	"time"
)

type Resolution string

const (
	ResolutionAccept Resolution = "accept"
	ResolutionReject Resolution = "reject"
	// merge 预留给未来的字段级合并，目前行为等同 accept（已知缺口，
	// 不要在这里虚构合并算法）
	ResolutionMerge Resolution = "merge"
)

var (
	ErrConflictNotFound  = errors.New("CONFLICT_NOT_FOUND")
	ErrUnknownResolution = errors.New("UNKNOWN_RESOLUTION")
)

// 冲突窗口默认值：时间戳相距 1000ms 以内且触及同一条目的并发操作视为冲突
const DefaultConflictWindow = 1000 * time.Millisecond

// ConflictDetector 对新到达的远端操作做重叠检测：
// 与某个本地 tentative（已应用未确认）操作共享至少一个 affectedItems
// 且两者时间戳落在窗口内，即判为 conflicted。
// 冲突操作不自动应用，停放在 parked 集合里等待显式裁决。
type ConflictDetector struct {
	window time.Duration

	mu     sync.Mutex
	parked map[string]*UndoableOperation
}

func NewConflictDetector(window time.Duration) *ConflictDetector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &ConflictDetector{
		window: window,
		parked: make(map[string]*UndoableOperation),
	}
}

// Check 返回与 remote 冲突的本地操作 id（可能为空）
func (d *ConflictDetector) Check(remote *UndoableOperation, pendingLocal []*UndoableOperation) []string {
	var conflicts []string
	windowMs := d.window.Milliseconds()
	for _, local := range pendingLocal {
		if !sharesAffectedItem(remote.AffectedItems, local.AffectedItems) {
			continue
		}
		dt := remote.Timestamp - local.Timestamp
		if dt < 0 {
			dt = -dt
		}
		if dt <= windowMs {
			conflicts = append(conflicts, local.ID)
		}
	}
	return conflicts
}

// Park 停放一个待裁决的冲突操作
func (d *ConflictDetector) Park(u *UndoableOperation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked[u.ID] = u
}

// Parked 当前全部待裁决操作
func (d *ConflictDetector) Parked() []*UndoableOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*UndoableOperation, 0, len(d.parked))
	for _, u := range d.parked {
		out = append(out, u)
	}
	return out
}

// Resolve 取出停放的冲突操作。
// accept/merge：返回条目，调用方负责应用并并入本地日志；
// reject：条目从本地日志永久丢弃（在其来源端仍然生效——两个副本
// 在这一小块上有意分叉，窄范围下可接受）。
func (d *ConflictDetector) Resolve(id string, res Resolution) (*UndoableOperation, error) {
	switch res {
	case ResolutionAccept, ResolutionReject, ResolutionMerge:
	default:
		return nil, ErrUnknownResolution
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.parked[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	delete(d.parked, id)
	return u, nil
}

func sharesAffectedItem(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
