package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"storyCollab/backend/internal/ot"
)

// 记录发出消息的假通道，可注入发送失败
type fakeChannel struct {
	mu   sync.Mutex
	msgs []Message
	fail error
}

func (c *fakeChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) sent(typ string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(t *testing.T, ch Channel, initial string, opt SessionOptions) (*Session, *DocumentApplier) {
	t.Helper()
	applier := NewDocumentApplier(NewPieceTable(initial))
	undoFn := BufferReversal(applier, func(u *UndoableOperation) json.RawMessage { return u.UndoData })
	redoFn := BufferReversal(applier, func(u *UndoableOperation) json.RawMessage { return u.RedoData })
	return NewSession("doc1", 1, "alice", ch, applier, undoFn, redoFn, opt), applier
}

func TestSession_SendOperation_OptimisticApply(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "HelloWorld", SessionOptions{})
	ctx := context.Background()

	op := ot.Operation{Type: ot.OpInsert, Position: 5, Content: " "}
	u, err := sess.SendOperation(ctx, op, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}

	// 本地先生效，不等网络往返
	if got := applier.Content(); got != "Hello World" {
		t.Fatalf("Content() = %q, want %q", got, "Hello World")
	}
	if u.Status != StatusApplied {
		t.Fatalf("status = %s, want %s", u.Status, StatusApplied)
	}
	// 确认到来前条目是 tentative 的
	if !u.Tentative {
		t.Fatalf("entry not tentative before ack")
	}
	if u.ID == "" || u.Timestamp == 0 {
		t.Fatalf("operation not stamped: id=%q ts=%d", u.ID, u.Timestamp)
	}

	ops := ch.sent(MsgOperation)
	if len(ops) != 1 || ops[0].Operation.ID != u.ID {
		t.Fatalf("operation not sent on channel: %v", ops)
	}
}

func TestSession_SendOperation_MissingType(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	if _, err := sess.SendOperation(context.Background(), ot.Operation{}, nil, nil); err != ErrMissingOperationType {
		t.Fatalf("error = %v, want ErrMissingOperationType", err)
	}
}

func TestSession_Receive_ExactlyOnce(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	op := ot.Operation{ID: "2_100_cafebabe", Type: ot.OpInsert, Position: 0, Content: "abc", UserID: 2, Timestamp: 100}
	u, err := sess.Receive(ctx, op)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if u == nil || u.Status != StatusApplied {
		t.Fatalf("first Receive() = %+v", u)
	}

	// 至少一次投递之上的恰好一次生效：重复投递静默吞掉
	u2, err := sess.Receive(ctx, op)
	if err != nil {
		t.Fatalf("duplicate Receive() error = %v", err)
	}
	if u2 != nil {
		t.Fatalf("duplicate Receive() = %+v, want nil", u2)
	}
	if got := applier.Content(); got != "abc" {
		t.Fatalf("Content() = %q, want %q (applied once)", got, "abc")
	}
}

func TestSession_Receive_MissingID(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	op := ot.Operation{Type: ot.OpInsert, Content: "x"}
	if _, err := sess.Receive(context.Background(), op); err != ErrMissingOperationID {
		t.Fatalf("error = %v, want ErrMissingOperationID", err)
	}
}

func TestSession_Receive_SelfEchoActsAsAck(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "HelloWorld", SessionOptions{})
	ctx := context.Background()

	u, err := sess.SendOperation(ctx, ot.Operation{Type: ot.OpInsert, Position: 5, Content: " "}, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}
	if !u.Tentative {
		t.Fatalf("entry not tentative before echo")
	}

	// 服务端把操作回显给包括来源在内的所有端：收到自己的 id 即视为送达确认
	echo := *ch.sent(MsgOperation)[0].Operation
	if back, err := sess.Receive(ctx, echo); err != nil || back != nil {
		t.Fatalf("echo Receive() = %+v, %v, want nil, nil", back, err)
	}

	got, _ := sess.History().Get(u.ID)
	if got.Tentative {
		t.Fatalf("entry still tentative after echo ack")
	}
}

func TestSession_SendOperation_ParksOnChannelFailure(t *testing.T) {
	ch := &fakeChannel{fail: errors.New("connection reset")}
	sess, applier := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	u, err := sess.SendOperation(ctx, ot.Operation{Type: ot.OpInsert, Position: 0, Content: "x"}, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v (send failure must not surface)", err)
	}
	// 发送失败不回滚：本地已生效，操作停放等补发
	if got := applier.Content(); got != "x" {
		t.Fatalf("Content() = %q, want %q", got, "x")
	}
	if u.Status != StatusApplied {
		t.Fatalf("status = %s, want %s", u.Status, StatusApplied)
	}

	// 通道恢复后补发
	ch.mu.Lock()
	ch.fail = nil
	ch.mu.Unlock()
	if sent := sess.FlushUnacked(ctx); sent != 1 {
		t.Fatalf("FlushUnacked() = %d, want 1", sent)
	}
	ops := ch.sent(MsgOperation)
	if len(ops) != 1 || ops[0].Operation.ID != u.ID {
		t.Fatalf("parked op not resent: %v", ops)
	}

	// 补发过的不再重复补发
	if sent := sess.FlushUnacked(ctx); sent != 0 {
		t.Fatalf("second FlushUnacked() = %d, want 0", sent)
	}
}

func TestSession_Receive_TransformsAgainstPending(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "HelloWorld", SessionOptions{})
	ctx := context.Background()

	// 本地插入空格，pending 队列里有它
	u, err := sess.SendOperation(ctx, ot.Operation{Type: ot.OpInsert, Position: 5, Content: " "}, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}

	// 远端并发删除 "World"（基于未插空格的旧文本，位置 5），
	// 时间戳在本地操作之后：必须先右移一位再应用
	remote := ot.Operation{
		ID: "2_999_deadbeef", Type: ot.OpDelete, Position: 5, Length: 5,
		UserID: 2, Timestamp: u.Timestamp + 2000,
	}
	ru, err := sess.Receive(ctx, remote)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ru.Status != StatusApplied {
		t.Fatalf("status = %s, want %s (err=%s)", ru.Status, StatusApplied, ru.Error)
	}
	if got := applier.Content(); got != "Hello " {
		t.Fatalf("Content() = %q, want %q", got, "Hello ")
	}
	if ru.Ops[0].Position != 6 {
		t.Fatalf("transformed position = %d, want 6", ru.Ops[0].Position)
	}
}

func TestSession_Receive_ConflictParksOperation(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	// 本地 tentative 操作触及 scene:1
	local, err := sess.SendOperation(ctx, ot.Operation{
		Type: ot.OpInsert, Position: 0, Content: "draft", AffectedItems: []string{"scene:1"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}

	// 远端操作同条目、窗口内：停放，不自动应用
	remote := ot.Operation{
		ID: "2_500_0badf00d", Type: ot.OpInsert, Position: 0, Content: "other",
		AffectedItems: []string{"scene:1"}, UserID: 2, Timestamp: local.Timestamp + 500,
	}
	ru, err := sess.Receive(ctx, remote)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ru.Status != StatusConflicted {
		t.Fatalf("status = %s, want %s", ru.Status, StatusConflicted)
	}
	if got := applier.Content(); got != "draft" {
		t.Fatalf("conflicted op applied: Content() = %q", got)
	}
	// 双向登记冲突对方的 id
	if len(ru.Conflicts) != 1 || ru.Conflicts[0] != local.ID {
		t.Fatalf("remote conflicts = %v, want [%s]", ru.Conflicts, local.ID)
	}
	if got, _ := sess.History().Get(local.ID); len(got.Conflicts) != 1 || got.Conflicts[0] != ru.ID {
		t.Fatalf("local conflicts = %v, want [%s]", got.Conflicts, ru.ID)
	}
	if parked := sess.Conflicted(); len(parked) != 1 {
		t.Fatalf("Conflicted() len = %d, want 1", len(parked))
	}
}

func TestSession_ResolveConflict_Accept(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	var resolved []Resolution
	sess.SetHooks(nil, func(u *UndoableOperation, res Resolution) { resolved = append(resolved, res) })

	local, _ := sess.SendOperation(ctx, ot.Operation{
		Type: ot.OpInsert, Position: 0, Content: "draft", AffectedItems: []string{"scene:1"},
	}, nil, nil)
	remote := ot.Operation{
		ID: "2_500_0badf00d", Type: ot.OpInsert, Position: 0, Content: "other",
		AffectedItems: []string{"scene:1"}, UserID: 2, Timestamp: local.Timestamp + 500,
	}
	if _, err := sess.Receive(ctx, remote); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	u, err := sess.ResolveConflict(ctx, remote.ID, ResolutionAccept)
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if u.Status != StatusApplied {
		t.Fatalf("status = %s, want %s", u.Status, StatusApplied)
	}
	// accept：应用停放时已变换好的操作（入站时已对本地 pending 右移过）
	if got := applier.Content(); got != "draftother" {
		t.Fatalf("Content() = %q, want %q", got, "draftother")
	}
	if len(sess.Conflicted()) != 0 {
		t.Fatalf("conflict still parked after accept")
	}
	if len(resolved) != 1 || resolved[0] != ResolutionAccept {
		t.Fatalf("onResolved hook = %v", resolved)
	}
}

func TestSession_ResolveConflict_Reject(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	local, _ := sess.SendOperation(ctx, ot.Operation{
		Type: ot.OpInsert, Position: 0, Content: "draft", AffectedItems: []string{"scene:1"},
	}, nil, nil)
	remote := ot.Operation{
		ID: "2_500_0badf00d", Type: ot.OpInsert, Position: 0, Content: "other",
		AffectedItems: []string{"scene:1"}, UserID: 2, Timestamp: local.Timestamp + 500,
	}
	if _, err := sess.Receive(ctx, remote); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	u, err := sess.ResolveConflict(ctx, remote.ID, ResolutionReject)
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	// reject：本地永久丢弃，文本不变
	if got := applier.Content(); got != "draft" {
		t.Fatalf("rejected op applied: Content() = %q", got)
	}
	if u.Status != StatusConflicted {
		t.Fatalf("status = %s, want %s (reject leaves entry conflicted)", u.Status, StatusConflicted)
	}
	if len(sess.Conflicted()) != 0 {
		t.Fatalf("conflict still parked after reject")
	}
}

func TestSession_ConcurrentConflictRegistration(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	local, err := sess.SendOperation(ctx, ot.Operation{
		Type: ot.OpInsert, Position: 0, Content: "draft", AffectedItems: []string{"scene:1"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}

	// 每个连接各自的读循环并发调用共享 Session 的 Receive：
	// 同一本地条目上的冲突登记不能丢
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := ot.Operation{
				ID: fmt.Sprintf("2_%d_%08x", local.Timestamp, i), Type: ot.OpInsert,
				Position: 0, Content: "x", AffectedItems: []string{"scene:1"},
				UserID: 2, Timestamp: local.Timestamp + int64(i%900),
			}
			if _, err := sess.Receive(ctx, op); err != nil {
				t.Errorf("Receive(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := sess.History().Get(local.ID)
	if len(got.Conflicts) != n {
		t.Fatalf("Conflicts len = %d, want %d (registrations lost)", len(got.Conflicts), n)
	}
	if parked := sess.Conflicted(); len(parked) != n {
		t.Fatalf("Conflicted() len = %d, want %d", len(parked), n)
	}
}

func TestSession_ResolveConflict_NotFound(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	if _, err := sess.ResolveConflict(context.Background(), "missing", ResolutionAccept); err != ErrConflictNotFound {
		t.Fatalf("error = %v, want ErrConflictNotFound", err)
	}
}

func TestSession_PendingQueueBounded(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{QueueCap: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		op := ot.Operation{
			ID: ot.NewOperationID("2", int64(100+i)), Type: ot.OpInsert,
			Position: 0, Content: "x", UserID: 2, Timestamp: int64(100 + i),
		}
		if _, err := sess.Receive(ctx, op); err != nil {
			t.Fatalf("Receive(%d) error = %v", i, err)
		}
	}
	// 队列有界，驱逐最老
	if got := sess.PendingDepth(); got != 2 {
		t.Fatalf("PendingDepth() = %d, want 2", got)
	}
}

func TestSession_Roster(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	if _, err := sess.HandleMessage(ctx, Message{Type: MsgUserJoined, UserID: 2, UserName: "bob"}); err != nil {
		t.Fatalf("HandleMessage(user_joined) error = %v", err)
	}
	users := sess.ActiveUsers()
	if len(users) != 1 || users[0].Name != "bob" {
		t.Fatalf("ActiveUsers() = %v", users)
	}

	// 同 userId 重复加入只替换条目，不重复
	_, _ = sess.HandleMessage(ctx, Message{Type: MsgUserJoined, UserID: 2, UserName: "bob"})
	if got := sess.ActiveUsers(); len(got) != 1 {
		t.Fatalf("duplicate join: ActiveUsers() len = %d, want 1", len(got))
	}

	_, _ = sess.HandleMessage(ctx, Message{Type: MsgTypingStatus, UserID: 2, IsTyping: true})
	if got := sess.ActiveUsers(); !got[0].IsTyping {
		t.Fatalf("typing status not recorded")
	}

	cur := &Cursor{X: 10, Y: 20}
	_, _ = sess.HandleMessage(ctx, Message{Type: MsgCursorUpdate, UserID: 2, Cursor: cur})
	if got := sess.ActiveUsers(); got[0].Cursor == nil || got[0].Cursor.X != 10 {
		t.Fatalf("cursor not recorded: %v", got[0].Cursor)
	}

	_, _ = sess.HandleMessage(ctx, Message{Type: MsgUserLeft, UserID: 2})
	if got := sess.ActiveUsers(); len(got) != 0 {
		t.Fatalf("user still on roster after leave: %v", got)
	}
}

func TestSession_HandleMessage_UnknownTypeIgnored(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	if _, err := sess.HandleMessage(context.Background(), Message{Type: "presence_blast"}); err != nil {
		t.Fatalf("unknown type treated as error: %v", err)
	}
}

func TestSession_UndoRedoRoundTrip(t *testing.T) {
	ch := &fakeChannel{}
	sess, applier := newTestSession(t, ch, "Hello", SessionOptions{})
	ctx := context.Background()

	// UndoData/RedoData 由调用方（文档模型协作方）提供精确回放序列
	undo, _ := json.Marshal([]ot.Operation{{Type: ot.OpDelete, Position: 5, Length: 6}})
	redo, _ := json.Marshal([]ot.Operation{{Type: ot.OpInsert, Position: 5, Content: " World"}})
	if _, err := sess.SendOperation(ctx, ot.Operation{Type: ot.OpInsert, Position: 5, Content: " World"}, undo, redo); err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}
	if got := applier.Content(); got != "Hello World" {
		t.Fatalf("Content() = %q", got)
	}

	if !sess.History().Undo(ctx) {
		t.Fatalf("Undo() = false")
	}
	if got := applier.Content(); got != "Hello" {
		t.Fatalf("after undo: Content() = %q, want %q", got, "Hello")
	}
	if !sess.History().Redo(ctx) {
		t.Fatalf("Redo() = false")
	}
	if got := applier.Content(); got != "Hello World" {
		t.Fatalf("after redo: Content() = %q, want %q", got, "Hello World")
	}
}

func TestSession_OnAppliedHook(t *testing.T) {
	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch, "", SessionOptions{})
	ctx := context.Background()

	var applied []string
	sess.SetHooks(func(u *UndoableOperation) { applied = append(applied, u.ID) }, nil)

	u, _ := sess.SendOperation(ctx, ot.Operation{Type: ot.OpInsert, Position: 0, Content: "x"}, nil, nil)
	remote := ot.Operation{ID: "2_1_00000001", Type: ot.OpInsert, Position: 0, Content: "y", UserID: 2, Timestamp: u.Timestamp + 5000}
	ru, _ := sess.Receive(ctx, remote)

	if len(applied) != 2 || applied[0] != u.ID || applied[1] != ru.ID {
		t.Fatalf("onApplied calls = %v, want [%s %s]", applied, u.ID, ru.ID)
	}
}
