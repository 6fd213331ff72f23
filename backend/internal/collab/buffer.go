package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"storyCollab/backend/internal/ot"
)

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Insert(pos int, text string) error
	Delete(pos, length int) error
	String() string
}

var ErrPositionOutOfRange = errors.New("POSITION_OUT_OF_RANGE")

// DocumentApplier 把 Operation 落到线性文本缓冲区上，
// 是 Applier 契约在本进程内的参考实现（服务端宿主与测试用）。
// - insert/delete 改写缓冲区
// - format 对纯文本缓冲区是 no-op（样式属性由渲染方消费）
// - move 属于看板 (容器,下标) 空间，对线性缓冲区无意义，忽略
// - batch 逐个递归子操作
type DocumentApplier struct {
	mu  sync.Mutex
	buf Buffer
}

func NewDocumentApplier(buf Buffer) *DocumentApplier {
	return &DocumentApplier{buf: buf}
}

func (a *DocumentApplier) ApplyOperation(ctx context.Context, op ot.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apply(op)
}

func (a *DocumentApplier) apply(op ot.Operation) error {
	switch op.Type {
	case ot.OpInsert:
		return a.buf.Insert(op.Position, op.Content)
	case ot.OpDelete:
		return a.buf.Delete(op.Position, op.Length)
	case ot.OpFormat, ot.OpMove:
		return nil
	case ot.OpBatch:
		for _, child := range op.Ops {
			if err := a.apply(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *DocumentApplier) Content() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

var ErrNoReversalData = errors.New("NO_REVERSAL_DATA")

// BufferReversal 把 UndoData/RedoData 当作操作序列回放到缓冲区的反转回调。
// pick 选择用哪份数据（撤销用 UndoData，重做用 RedoData）。
// 数据缺失时返回错误，调用方会把条目标成 failed 而不是崩溃。
func BufferReversal(a *DocumentApplier, pick func(*UndoableOperation) json.RawMessage) ReversalFunc {
	return func(ctx context.Context, u *UndoableOperation) error {
		raw := pick(u)
		if len(raw) == 0 {
			return ErrNoReversalData
		}
		var ops []ot.Operation
		if err := json.Unmarshal(raw, &ops); err != nil {
			return err
		}
		for _, op := range ops {
			if err := a.ApplyOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	}
}
