package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"storyCollab/backend/internal/ot"
)

// Applier 文档/看板模型协作方的应用函数：把 Operation 变成自身状态的真实变更
type Applier interface {
	ApplyOperation(ctx context.Context, op ot.Operation) error
}

// Channel 消息通道抽象。传输实现（WebSocket 等）在外层注入，
// 投递顺序与退订由实现方保证，这里只依赖 Send 的显式契约。
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// 编程错误才会以 error 形式穿出公开 API；应用类失败一律落在操作的 Status/Error 字段
var (
	ErrMissingOperationType = errors.New("MISSING_OPERATION_TYPE")
	ErrMissingOperationID   = errors.New("MISSING_OPERATION_ID")
)

type SessionOptions struct {
	QueueCap       int           // 待定队列容量，默认 100
	MaxHistory     int           // 撤销日志容量，默认 100
	ConflictWindow time.Duration // 冲突窗口，默认 1000ms
	ActiveWindow   time.Duration // "活跃"阈值，默认 30s
	PresentWindow  time.Duration // "在场"阈值，默认 60s
	SweepEvery     time.Duration // 花名册清扫周期，默认 30s
}

func (o *SessionOptions) fill() {
	if o.QueueCap <= 0 {
		o.QueueCap = 100
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = DefaultConflictWindow
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 30 * time.Second
	}
	if o.PresentWindow <= 0 {
		o.PresentWindow = 60 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30 * time.Second
	}
}

// Session 一个打开的文档对应一个实例，显式构造、显式生命周期。
// 独占持有自己的操作日志、花名册和队列，没有两个 Session 会改同一份日志。
//
// 数据流：本地变更包成 Operation → 乐观本地应用 → 进撤销日志（tentative）
// → 经通道广播；对端收到后先对本地待定队列做变换，过冲突检测，
// 再应用并记入对端自己的日志。
type Session struct {
	docID    string
	selfID   uint64
	selfName string
	clientID string

	mu    sync.RWMutex
	users map[uint64]*CollaborationUser
	// 去重集合：一个 Operation 每端至多应用一次
	seen map[string]struct{}
	// 因果序本地待定队列，有界 FIFO，驱逐最老（变换引擎依赖时间顺序）
	pending  []ot.Operation
	queueCap int
	// 断连时发送失败的操作：本地已生效，等重连后 FlushUnacked 补发
	unacked []ot.Operation

	clock    *ot.Clock
	channel  Channel
	applier  Applier
	history  *History
	detector *ConflictDetector

	activeWindow  time.Duration
	presentWindow time.Duration
	sweepEvery    time.Duration

	// 挂钩：已应用操作的去向（Kafka 转发等）与裁决记录（审计），可为 nil
	onApplied  func(*UndoableOperation)
	onResolved func(*UndoableOperation, Resolution)
}

func NewSession(docID string, selfID uint64, selfName string, ch Channel, applier Applier, undoFn, redoFn ReversalFunc, opt SessionOptions) *Session {
	opt.fill()
	return &Session{
		docID:         docID,
		selfID:        selfID,
		selfName:      selfName,
		clientID:      strconv.FormatUint(selfID, 10),
		users:         make(map[uint64]*CollaborationUser),
		seen:          make(map[string]struct{}),
		queueCap:      opt.QueueCap,
		clock:         ot.NewClock(),
		channel:       ch,
		applier:       applier,
		history:       NewHistory(opt.MaxHistory, undoFn, redoFn),
		detector:      NewConflictDetector(opt.ConflictWindow),
		activeWindow:  opt.ActiveWindow,
		presentWindow: opt.PresentWindow,
		sweepEvery:    opt.SweepEvery,
	}
}

func (s *Session) DocID() string               { return s.docID }
func (s *Session) History() *History           { return s.history }
func (s *Session) SetHooks(onApplied func(*UndoableOperation), onResolved func(*UndoableOperation, Resolution)) {
	s.onApplied = onApplied
	s.onResolved = onResolved
}

// Start 启动花名册后台清扫，随 ctx 取消而停止
func (s *Session) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Join 本端进入文档：幂等，同 userId 重复加入只替换花名册条目
func (s *Session) Join(ctx context.Context) error {
	s.upsertUser(s.selfID, s.selfName, "")
	return s.channel.Send(ctx, Message{
		Type:     MsgJoin,
		DocID:    s.docID,
		UserID:   s.selfID,
		UserName: s.selfName,
	})
}

func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	delete(s.users, s.selfID)
	s.mu.Unlock()
	return s.channel.Send(ctx, Message{Type: MsgLeave, DocID: s.docID, UserID: s.selfID})
}

// SendOperation 本地变更入口。盖上 id/userId/timestamp 后**先本地应用**
// （乐观：自己的编辑绝不等网络往返），记入撤销日志（tentative，
// 确认前"已应用"≠"已确认"），再经通道发出。
// 通道不可用时操作保持本地生效并停放到补发队列，不丢。
func (s *Session) SendOperation(ctx context.Context, op ot.Operation, undoData, redoData json.RawMessage) (*UndoableOperation, error) {
	if op.Type == "" {
		return nil, ErrMissingOperationType
	}
	ts := s.clock.Now()
	op.Timestamp = ts
	op.UserID = s.selfID
	if op.ID == "" {
		op.ID = ot.NewOperationID(s.clientID, ts)
	}

	u := &UndoableOperation{
		ID:            op.ID,
		Ops:           []ot.Operation{op},
		AffectedItems: affectedItemsOf(op),
		UndoData:      undoData,
		RedoData:      redoData,
		Status:        StatusPending,
		Origin:        OriginLocal,
		Tentative:     true,
		UserID:        s.selfID,
		Timestamp:     ts,
	}

	if err := s.applier.ApplyOperation(ctx, op); err != nil {
		u.Status, _ = NextStatus(u.Status, EventFail)
		u.Error = err.Error()
		s.history.AddOperation(u)
		return u, nil
	}
	u.Status, _ = NextStatus(u.Status, EventApply)

	s.mu.Lock()
	s.enqueueLocked(op)
	s.touchLocked(s.selfID)
	s.mu.Unlock()
	s.history.AddOperation(u)

	if err := s.channel.Send(ctx, Message{Type: MsgOperation, DocID: s.docID, UserID: s.selfID, Operation: &op}); err != nil {
		log.Printf("channel send failed, parking op for resend (doc=%s op=%s): %v", s.docID, op.ID, err)
		s.mu.Lock()
		s.unacked = append(s.unacked, op)
		s.mu.Unlock()
	}

	if s.onApplied != nil {
		s.onApplied(u)
	}
	return u, nil
}

// Acknowledge 传输层确认送达：tentative 清除，操作自此不可变
func (s *Session) Acknowledge(opID string) {
	s.history.Acknowledge(opID)
	s.mu.Lock()
	for i, op := range s.unacked {
		if op.ID == opID {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// FlushUnacked 重连后补发停放的操作，返回补发条数
func (s *Session) FlushUnacked(ctx context.Context) int {
	s.mu.Lock()
	parked := s.unacked
	s.unacked = nil
	s.mu.Unlock()

	sent := 0
	for _, op := range parked {
		op := op
		if err := s.channel.Send(ctx, Message{Type: MsgOperation, DocID: s.docID, UserID: s.selfID, Operation: &op}); err != nil {
			s.mu.Lock()
			s.unacked = append(s.unacked, op)
			s.mu.Unlock()
			continue
		}
		sent++
	}
	return sent
}

// Receive 远端操作入口，至少一次投递之上做到恰好一次生效：
// 已见过的 id 直接 no-op（若是自己的回声则兼作送达确认）。
// 之后对待定队列里时间戳更早的操作逐一变换，过冲突检测，再应用入账。
func (s *Session) Receive(ctx context.Context, op ot.Operation) (*UndoableOperation, error) {
	if op.ID == "" {
		return nil, ErrMissingOperationID
	}

	s.mu.Lock()
	if _, dup := s.seen[op.ID]; dup {
		s.mu.Unlock()
		if op.UserID == s.selfID {
			s.Acknowledge(op.ID)
		}
		return nil, nil
	}

	incomingID := op.ID
	for _, p := range s.pending {
		if p.Timestamp < op.Timestamp {
			op = ot.Transform(op, p)
		}
	}
	if op.ID != incomingID {
		// delete/delete 平局裁决把来操作判为已吸收：不重复应用，只记已见
		s.seen[incomingID] = struct{}{}
		s.mu.Unlock()
		return nil, nil
	}

	u := &UndoableOperation{
		ID:            op.ID,
		Ops:           []ot.Operation{op},
		AffectedItems: affectedItemsOf(op),
		Status:        StatusPending,
		Origin:        OriginRemote,
		UserID:        op.UserID,
		Timestamp:     op.Timestamp,
	}

	if conflicts := s.detector.Check(u, s.history.TentativeLocal()); len(conflicts) > 0 {
		u.Conflicts = conflicts
		u.Status, _ = NextStatus(u.Status, EventConflict)
		s.seen[op.ID] = struct{}{}
		s.mu.Unlock()

		for _, id := range conflicts {
			s.history.RegisterConflict(id, u.ID)
		}
		s.detector.Park(u)
		return u, nil
	}

	if err := s.applier.ApplyOperation(ctx, op); err != nil {
		u.Status, _ = NextStatus(u.Status, EventFail)
		u.Error = err.Error()
		s.seen[op.ID] = struct{}{}
		s.mu.Unlock()
		s.history.AddOperation(u)
		return u, nil
	}
	u.Status, _ = NextStatus(u.Status, EventApply)
	s.enqueueLocked(op)
	s.touchLocked(op.UserID)
	s.mu.Unlock()

	s.history.AddOperation(u)
	if s.onApplied != nil {
		s.onApplied(u)
	}
	return u, nil
}

// Conflicted 当前待裁决的冲突操作
func (s *Session) Conflicted() []*UndoableOperation {
	return s.detector.Parked()
}

// ResolveConflict 显式裁决：
// - accept：当作干净到达的远端操作应用并并入本地日志
// - reject：本地永久丢弃（来源端仍然生效，两副本在该处有意分叉）
// - merge：目前与 accept 同义
func (s *Session) ResolveConflict(ctx context.Context, id string, res Resolution) (*UndoableOperation, error) {
	u, err := s.detector.Resolve(id, res)
	if err != nil {
		return nil, err
	}

	if res == ResolutionReject {
		if s.onResolved != nil {
			s.onResolved(u, res)
		}
		return u, nil
	}

	for _, op := range u.Ops {
		if err := s.applier.ApplyOperation(ctx, op); err != nil {
			u.Error = err.Error()
			s.detector.Park(u)
			return u, nil
		}
	}
	u.Status, _ = NextStatus(u.Status, EventResolve)
	u.Error = ""

	s.mu.Lock()
	for _, op := range u.Ops {
		s.enqueueLocked(op)
	}
	s.mu.Unlock()
	s.history.AddOperation(u)

	if s.onApplied != nil {
		s.onApplied(u)
	}
	if s.onResolved != nil {
		s.onResolved(u, res)
	}
	return u, nil
}

// HandleMessage 入站协议分发。未知类型忽略并记日志，不是错误。
func (s *Session) HandleMessage(ctx context.Context, msg Message) (*UndoableOperation, error) {
	switch msg.Type {
	case MsgOperation:
		if msg.Operation == nil {
			return nil, nil
		}
		return s.Receive(ctx, *msg.Operation)
	case MsgJoin, MsgUserJoined:
		s.upsertUser(msg.UserID, msg.UserName, msg.Avatar)
	case MsgLeave, MsgUserLeft:
		s.mu.Lock()
		delete(s.users, msg.UserID)
		s.mu.Unlock()
	case MsgCursorUpdate:
		s.UpdateCursor(msg.UserID, msg.Cursor, msg.Selection)
	case MsgTypingStatus:
		s.SetTyping(msg.UserID, msg.IsTyping)
	case MsgUsersList:
		s.setUsers(msg.Users)
	default:
		log.Printf("ignoring unknown message type %q (doc=%s)", msg.Type, s.docID)
	}
	return nil, nil
}

// SendCursor 本端光标/选区变化出站
func (s *Session) SendCursor(ctx context.Context, cur *Cursor, sel *Selection) error {
	s.UpdateCursor(s.selfID, cur, sel)
	return s.channel.Send(ctx, Message{Type: MsgCursorUpdate, DocID: s.docID, UserID: s.selfID, Cursor: cur, Selection: sel})
}

// SendTyping 本端输入状态出站
func (s *Session) SendTyping(ctx context.Context, typing bool) error {
	s.SetTyping(s.selfID, typing)
	return s.channel.Send(ctx, Message{Type: MsgTypingStatus, DocID: s.docID, UserID: s.selfID, IsTyping: typing})
}

func (s *Session) UpdateCursor(userID uint64, cur *Cursor, sel *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userID]; u != nil {
		u.Cursor = cur
		if sel != nil {
			u.Selection = sel
		}
		u.LastActivity = time.Now().UnixMilli()
	}
}

func (s *Session) SetTyping(userID uint64, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userID]; u != nil {
		u.IsTyping = typing
		u.LastActivity = time.Now().UnixMilli()
	}
}

// ActiveUsers 最近 30s 内有动静的用户（在线指示用）。
// 花名册整体的清退（60s）由后台清扫负责，两档阈值是不同的存活语义。
func (s *Session) ActiveUsers() []CollaborationUser {
	cutoff := time.Now().Add(-s.activeWindow).UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CollaborationUser, 0, len(s.users))
	for _, u := range s.users {
		if u.LastActivity >= cutoff {
			out = append(out, *u)
		}
	}
	return out
}

// PendingDepth 待定队列当前长度（观测用）
func (s *Session) PendingDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *Session) upsertUser(id uint64, name, avatar string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &CollaborationUser{
		ID:           id,
		Name:         name,
		Avatar:       avatar,
		LastActivity: time.Now().UnixMilli(),
	}
}

func (s *Session) setUsers(users []CollaborationUser) {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		u := u
		if u.LastActivity == 0 {
			u.LastActivity = now
		}
		s.users[u.ID] = &u
	}
}

func (s *Session) sweep() {
	cutoff := time.Now().Add(-s.presentWindow).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.LastActivity < cutoff {
			delete(s.users, id)
		}
	}
}

// 调用方需持有 s.mu
func (s *Session) enqueueLocked(op ot.Operation) {
	s.seen[op.ID] = struct{}{}
	s.pending = append(s.pending, op)
	if len(s.pending) > s.queueCap {
		evicted := s.pending[0]
		s.pending = s.pending[1:]
		delete(s.seen, evicted.ID)
	}
}

// 调用方需持有 s.mu
func (s *Session) touchLocked(userID uint64) {
	if u := s.users[userID]; u != nil {
		u.LastActivity = time.Now().UnixMilli()
	}
}

// affectedItemsOf 操作自带的触及条目并集（batch 含子操作）
func affectedItemsOf(op ot.Operation) []string {
	items := append([]string(nil), op.AffectedItems...)
	if op.Type == ot.OpBatch {
		for _, child := range op.Ops {
			items = append(items, affectedItemsOf(child)...)
		}
	}
	return dedupStrings(items)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
