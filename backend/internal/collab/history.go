package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"storyCollab/backend/internal/ot"
)

// 历史容量默认上限，超过后按插入序驱逐最老的条目
var DefaultMaxHistory = 100

// 滚动延迟窗口大小（仅观测用，不参与任何控制决策）
const latencyWindow = 50

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// UndoableOperation 包装一到多个 Operation 进入撤销日志。
// UndoData/RedoData 是不透明数据，由文档模型协作方提供，
// 足以精确回放/反转效果而无需重新推导。
// Tentative 表示"已本地应用但尚未收到传输确认"（两阶段：applied ≠ confirmed）。
type UndoableOperation struct {
	ID            string          `json:"id"`
	Ops           []ot.Operation  `json:"ops"`
	AffectedItems []string        `json:"affectedItems,omitempty"`
	UndoData      json.RawMessage `json:"undoData,omitempty"`
	RedoData      json.RawMessage `json:"redoData,omitempty"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Origin        Origin          `json:"origin"`
	Tentative     bool            `json:"tentative"`
	UserID        uint64          `json:"userId"`
	Timestamp     int64           `json:"timestamp"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Conflicts     []string        `json:"conflicts,omitempty"`
}

// ReversalFunc 外部反转/回放回调，由文档模型协作方持有实现
// （可能本身就是一次网络往返，所以撤销/重做是异步语义）。
type ReversalFunc func(ctx context.Context, op *UndoableOperation) error

var errNoReversal = errors.New("REVERSAL_NOT_CONFIGURED")

// History 有界双栈撤销日志。两个栈只存 id，指向 ops 里的完整条目，
// 避免操作本体在栈间重复。
type History struct {
	mu    sync.Mutex
	ops   map[string]*UndoableOperation
	order []string // 插入序，驱逐按 FIFO

	undoStack []string
	redoStack []string
	maxSize   int

	// 在途守卫：撤销/重做进行中拒绝（不是排队）反向与同向的新调用
	isUndoing bool
	isRedoing bool

	undoFn ReversalFunc
	redoFn ReversalFunc

	// 被驱逐条目的去向（归档等），可为 nil
	onEvict func(*UndoableOperation)

	latencies [latencyWindow]time.Duration
	latNext   int
	latCount  int
}

func NewHistory(maxSize int, undoFn, redoFn ReversalFunc) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxHistory
	}
	return &History{
		ops:     make(map[string]*UndoableOperation),
		maxSize: maxSize,
		undoFn:  undoFn,
		redoFn:  redoFn,
	}
}

func (h *History) SetEvictHook(fn func(*UndoableOperation)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvict = fn
}

// AddOperation 新条目入栈并清空重做栈（新编辑使重做的"未来"失效）。
// 超出容量时截断最老的条目。
func (h *History) AddOperation(u *UndoableOperation) {
	h.mu.Lock()
	if u.Status == "" {
		u.Status = StatusPending
	}
	h.ops[u.ID] = u
	h.order = append(h.order, u.ID)
	h.undoStack = append(h.undoStack, u.ID)
	h.redoStack = nil

	var evicted []*UndoableOperation
	for len(h.order) > h.maxSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		if old := h.ops[oldest]; old != nil {
			evicted = append(evicted, old)
		}
		delete(h.ops, oldest)
		h.undoStack = removeID(h.undoStack, oldest)
		h.redoStack = removeID(h.redoStack, oldest)
	}
	hook := h.onEvict
	h.mu.Unlock()

	if hook != nil {
		for _, old := range evicted {
			hook(old)
		}
	}
}

// Undo 弹出撤销栈顶，调用外部反转回调。
// 失败时条目标记 failed 并记录错误信息，但 id 照样压入重做栈，
// 用户可以通过 redo→undo 重试。回调在途时新调用直接返回 false。
func (h *History) Undo(ctx context.Context) bool {
	h.mu.Lock()
	if h.isUndoing || h.isRedoing || len(h.undoStack) == 0 {
		h.mu.Unlock()
		return false
	}
	id := h.undoStack[len(h.undoStack)-1]
	h.undoStack = h.undoStack[:len(h.undoStack)-1]
	u := h.ops[id]
	if u == nil {
		h.mu.Unlock()
		return false
	}
	h.isUndoing = true
	h.mu.Unlock()

	start := time.Now()
	err := h.dispatch(ctx, h.undoFn, u)

	h.mu.Lock()
	h.recordLatency(time.Since(start))
	if err != nil {
		u.Status, _ = NextStatus(u.Status, EventFail)
		u.Error = err.Error()
	} else {
		u.Status, _ = NextStatus(u.Status, EventUndo)
		u.Error = ""
	}
	h.redoStack = append(h.redoStack, id)
	h.isUndoing = false
	h.mu.Unlock()
	return err == nil
}

// Redo 与 Undo 对称，使用 RedoData 回放。
func (h *History) Redo(ctx context.Context) bool {
	h.mu.Lock()
	if h.isUndoing || h.isRedoing || len(h.redoStack) == 0 {
		h.mu.Unlock()
		return false
	}
	id := h.redoStack[len(h.redoStack)-1]
	h.redoStack = h.redoStack[:len(h.redoStack)-1]
	u := h.ops[id]
	if u == nil {
		h.mu.Unlock()
		return false
	}
	h.isRedoing = true
	h.mu.Unlock()

	start := time.Now()
	err := h.dispatch(ctx, h.redoFn, u)

	h.mu.Lock()
	h.recordLatency(time.Since(start))
	if err != nil {
		u.Status, _ = NextStatus(u.Status, EventFail)
		u.Error = err.Error()
	} else {
		u.Status, _ = NextStatus(u.Status, EventRedo)
		u.Error = ""
	}
	h.undoStack = append(h.undoStack, id)
	h.isRedoing = false
	h.mu.Unlock()
	return err == nil
}

func (h *History) dispatch(ctx context.Context, fn ReversalFunc, u *UndoableOperation) error {
	if fn == nil {
		return errNoReversal
	}
	return fn(ctx, u)
}

func (h *History) Get(id string) (*UndoableOperation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.ops[id]
	return u, ok
}

// RegisterConflict 在已有条目上登记与之冲突的对端操作 id。
// 条目指针对外共享，Conflicts 的追加必须在锁内做
func (h *History) RegisterConflict(id, otherID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u := h.ops[id]; u != nil {
		u.Conflicts = append(u.Conflicts, otherID)
	}
}

// Acknowledge 传输确认到达，清除 tentative 标记
func (h *History) Acknowledge(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u := h.ops[id]; u != nil {
		u.Tentative = false
	}
}

// TentativeLocal 本地已应用但未确认的条目，冲突重叠检测的比对对象
func (h *History) TentativeLocal() []*UndoableOperation {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*UndoableOperation
	for _, id := range h.order {
		if u := h.ops[id]; u != nil && u.Origin == OriginLocal && u.Tentative {
			out = append(out, u)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *History) UndoDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undoStack)
}

func (h *History) RedoDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redoStack)
}

func (h *History) recordLatency(d time.Duration) {
	h.latencies[h.latNext] = d
	h.latNext = (h.latNext + 1) % latencyWindow
	if h.latCount < latencyWindow {
		h.latCount++
	}
}

// AverageLatency 最近 50 次回调耗时的滚动平均，仅观测信号
func (h *History) AverageLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < h.latCount; i++ {
		sum += h.latencies[i]
	}
	return sum / time.Duration(h.latCount)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
