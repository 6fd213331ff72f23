package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// 记录调用顺序的反转回调对，可注入错误
type recordingReversal struct {
	undone []string
	redone []string
	fail   error
}

func (r *recordingReversal) undo(ctx context.Context, u *UndoableOperation) error {
	if r.fail != nil {
		return r.fail
	}
	r.undone = append(r.undone, u.ID)
	return nil
}

func (r *recordingReversal) redo(ctx context.Context, u *UndoableOperation) error {
	if r.fail != nil {
		return r.fail
	}
	r.redone = append(r.redone, u.ID)
	return nil
}

func addApplied(h *History, id string) *UndoableOperation {
	u := &UndoableOperation{ID: id, Status: StatusApplied, Origin: OriginLocal}
	h.AddOperation(u)
	return u
}

func TestHistory_UndoRedoComplementarity(t *testing.T) {
	rec := &recordingReversal{}
	h := NewHistory(10, rec.undo, rec.redo)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		addApplied(h, fmt.Sprintf("op%d", i))
	}

	// 撤销按 LIFO：op3, op2, op1
	for _, want := range []string{"op3", "op2", "op1"} {
		if !h.Undo(ctx) {
			t.Fatalf("Undo() = false, want true (expecting %s)", want)
		}
	}
	if got := fmt.Sprint(rec.undone); got != "[op3 op2 op1]" {
		t.Fatalf("undo order = %s", got)
	}
	if h.UndoDepth() != 0 || h.RedoDepth() != 3 {
		t.Fatalf("depths = (%d, %d), want (0, 3)", h.UndoDepth(), h.RedoDepth())
	}

	// 重做把它们按相反顺序放回去
	for range rec.undone {
		if !h.Redo(ctx) {
			t.Fatalf("Redo() = false, want true")
		}
	}
	if got := fmt.Sprint(rec.redone); got != "[op1 op2 op3]" {
		t.Fatalf("redo order = %s", got)
	}
	if h.UndoDepth() != 3 || h.RedoDepth() != 0 {
		t.Fatalf("depths = (%d, %d), want (3, 0)", h.UndoDepth(), h.RedoDepth())
	}

	u, _ := h.Get("op3")
	if u.Status != StatusRedone {
		t.Fatalf("op3 status = %s, want %s", u.Status, StatusRedone)
	}
}

func TestHistory_NewEditClearsRedo(t *testing.T) {
	rec := &recordingReversal{}
	h := NewHistory(10, rec.undo, rec.redo)
	ctx := context.Background()

	addApplied(h, "op1")
	addApplied(h, "op2")
	h.Undo(ctx)
	if h.RedoDepth() != 1 {
		t.Fatalf("RedoDepth = %d, want 1", h.RedoDepth())
	}

	// 新编辑使重做的"未来"失效
	addApplied(h, "op3")
	if h.RedoDepth() != 0 {
		t.Fatalf("RedoDepth after new edit = %d, want 0", h.RedoDepth())
	}
	if h.Redo(ctx) {
		t.Fatalf("Redo() = true after redo stack cleared")
	}
}

func TestHistory_BoundedEviction(t *testing.T) {
	rec := &recordingReversal{}
	h := NewHistory(3, rec.undo, rec.redo)

	var evicted []string
	h.SetEvictHook(func(u *UndoableOperation) { evicted = append(evicted, u.ID) })

	for i := 1; i <= 5; i++ {
		addApplied(h, fmt.Sprintf("op%d", i))
	}

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	// 恰好驱逐最老的两条，按插入序
	if got := fmt.Sprint(evicted); got != "[op1 op2]" {
		t.Fatalf("evicted = %s, want [op1 op2]", got)
	}
	if _, ok := h.Get("op1"); ok {
		t.Fatalf("op1 still present after eviction")
	}
	if _, ok := h.Get("op3"); !ok {
		t.Fatalf("op3 missing after eviction")
	}
	// 驱逐条目不得残留在撤销栈上
	if h.UndoDepth() != 3 {
		t.Fatalf("UndoDepth = %d, want 3", h.UndoDepth())
	}
}

func TestHistory_FailedUndoStillOccupiesRedoStack(t *testing.T) {
	rec := &recordingReversal{fail: errors.New("replay rejected")}
	h := NewHistory(10, rec.undo, rec.redo)
	ctx := context.Background()

	addApplied(h, "op1")
	if h.Undo(ctx) {
		t.Fatalf("Undo() = true, want false on reversal failure")
	}

	u, _ := h.Get("op1")
	if u.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", u.Status, StatusFailed)
	}
	if u.Error == "" {
		t.Fatalf("Error not recorded on failure")
	}
	// 失败的撤销照样占据重做栈：用户可以 redo→undo 重试
	if h.RedoDepth() != 1 {
		t.Fatalf("RedoDepth = %d, want 1", h.RedoDepth())
	}

	rec.fail = nil
	if !h.Redo(ctx) {
		t.Fatalf("Redo() retry = false, want true")
	}
	if u.Status != StatusRedone || u.Error != "" {
		t.Fatalf("after retry: status = %s, error = %q", u.Status, u.Error)
	}
}

func TestHistory_InFlightGuard(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	h := NewHistory(10, func(ctx context.Context, u *UndoableOperation) error {
		close(started)
		<-block
		return nil
	}, nil)
	ctx := context.Background()

	addApplied(h, "op1")
	addApplied(h, "op2")

	done := make(chan bool)
	go func() { done <- h.Undo(ctx) }()
	<-started

	// 回调在途：新的撤销/重做直接拒绝，不排队
	if h.Undo(ctx) {
		t.Fatalf("concurrent Undo() = true, want false while in flight")
	}
	if h.Redo(ctx) {
		t.Fatalf("concurrent Redo() = true, want false while in flight")
	}

	close(block)
	if !<-done {
		t.Fatalf("original Undo() = false, want true")
	}
}

func TestHistory_NoReversalConfigured(t *testing.T) {
	h := NewHistory(10, nil, nil)
	ctx := context.Background()
	addApplied(h, "op1")

	if h.Undo(ctx) {
		t.Fatalf("Undo() = true with nil reversal func")
	}
	u, _ := h.Get("op1")
	if u.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", u.Status, StatusFailed)
	}
}

func TestHistory_EmptyStacks(t *testing.T) {
	rec := &recordingReversal{}
	h := NewHistory(10, rec.undo, rec.redo)
	ctx := context.Background()
	if h.Undo(ctx) {
		t.Fatalf("Undo() on empty stack = true")
	}
	if h.Redo(ctx) {
		t.Fatalf("Redo() on empty stack = true")
	}
}

func TestHistory_TentativeLocal(t *testing.T) {
	h := NewHistory(10, nil, nil)
	h.AddOperation(&UndoableOperation{ID: "local1", Status: StatusApplied, Origin: OriginLocal, Tentative: true})
	h.AddOperation(&UndoableOperation{ID: "remote1", Status: StatusApplied, Origin: OriginRemote})
	h.AddOperation(&UndoableOperation{ID: "local2", Status: StatusApplied, Origin: OriginLocal, Tentative: true})

	got := h.TentativeLocal()
	if len(got) != 2 {
		t.Fatalf("TentativeLocal() len = %d, want 2", len(got))
	}

	// 确认后不再是比对对象
	h.Acknowledge("local1")
	if got := h.TentativeLocal(); len(got) != 1 || got[0].ID != "local2" {
		t.Fatalf("after ack: TentativeLocal() = %v", got)
	}
}
