package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"storyCollab/backend/internal/cache"
	"storyCollab/backend/internal/collab"
	"storyCollab/backend/internal/store"
)

// Hub 持有全部文档房间与每个文档的服务端会话副本。
// 一个文档一个 Session，操作日志/花名册/队列都归它独占。
type Hub struct {
	presence   cache.PresenceCache
	dispatcher *collab.KafkaDispatcher
	archive    *store.ArchiveStore

	// 读写锁保护 rooms/sessions 这两个 map 的并发访问，
	// 加入/离开房间、广播、取会话时都会先加锁
	mu sync.RWMutex
	// docID -> set of connections
	// 房间里存的是连接而不是 userID：一个用户可开多个标签页/设备，
	// 广播要逐连接发，不能只按 userID 发一次
	rooms    map[string]map[*Conn]struct{}
	sessions map[string]*collab.Session

	ctx context.Context
}

func NewHub(ctx context.Context, presence cache.PresenceCache, dispatcher *collab.KafkaDispatcher, archive *store.ArchiveStore) *Hub {
	return &Hub{
		presence:   presence,
		dispatcher: dispatcher,
		archive:    archive,
		rooms:      make(map[string]map[*Conn]struct{}),
		sessions:   make(map[string]*collab.Session),
		ctx:        ctx,
	}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// SessionFor 取（或惰性创建）文档的服务端会话副本：
// piece table 缓冲做 Applier，撤销/重做回调回放 UndoData/RedoData，
// 驱逐的日志条目落归档，应用成功的操作转发 Kafka 审计流。
func (h *Hub) SessionFor(docID string) *collab.Session {
	h.mu.RLock()
	sess := h.sessions[docID]
	h.mu.RUnlock()
	if sess != nil {
		return sess
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sess = h.sessions[docID]; sess != nil {
		return sess
	}

	applier := collab.NewDocumentApplier(collab.NewPieceTable(""))
	undoFn := collab.BufferReversal(applier, func(u *collab.UndoableOperation) json.RawMessage { return u.UndoData })
	redoFn := collab.BufferReversal(applier, func(u *collab.UndoableOperation) json.RawMessage { return u.RedoData })

	sess = collab.NewSession(docID, 0, "server", &roomChannel{hub: h, docID: docID}, applier, undoFn, redoFn, collab.SessionOptions{})
	sess.SetHooks(
		func(u *collab.UndoableOperation) {
			if h.dispatcher != nil {
				h.dispatcher.TryEnqueue(collab.NewOpEvent(collab.EventOpApplied, docID, u))
			}
		},
		func(u *collab.UndoableOperation, res collab.Resolution) {
			if h.archive != nil {
				if err := h.archive.SaveResolution(h.ctx, docID, u.ID, string(res), u.UserID); err != nil {
					log.Printf("save resolution failed (doc=%s op=%s): %v", docID, u.ID, err)
				}
			}
			if h.dispatcher != nil {
				evt := collab.NewOpEvent(collab.EventConflictResolved, docID, u)
				evt.Resolution = res
				h.dispatcher.TryEnqueue(evt)
			}
		},
	)
	if h.archive != nil {
		sess.History().SetEvictHook(func(u *collab.UndoableOperation) {
			if err := h.archive.SaveEvicted(h.ctx, docID, u); err != nil {
				log.Printf("archive evicted op failed (doc=%s op=%s): %v", docID, u.ID, err)
			}
		})
	}
	sess.Start(h.ctx)
	go h.purgeLoop(docID)

	h.sessions[docID] = sess
	return sess
}

// Sessions 当前已有会话的文档列表（裁决接口用）
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for docID := range h.sessions {
		out = append(out, docID)
	}
	return out
}

func (h *Hub) Presence() cache.PresenceCache { return h.presence }

// Broadcast 发给房间内全部连接（操作回显给来源连接兼作送达确认）
func (h *Hub) Broadcast(docID string, msg collab.Message) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastExcept 发给房间内除 origin 外的连接（光标/输入状态等不用回显）
func (h *Hub) BroadcastExcept(docID string, origin *Conn, msg collab.Message) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		if c == origin {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

// 每 30s 清退 redis 侧在场键过期的成员，并向房间通报 user_left
func (h *Hub) purgeLoop(docID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purged, err := h.presence.PurgeExpired(h.ctx, docID)
			if err != nil {
				log.Printf("presence purge failed (doc=%s): %v", docID, err)
				continue
			}
			for _, uid := range purged {
				h.Broadcast(docID, collab.Message{Type: collab.MsgUserLeft, DocID: docID, UserID: uid})
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// roomChannel 服务端会话的消息通道实现：投递即房间广播
type roomChannel struct {
	hub   *Hub
	docID string
}

func (rc *roomChannel) Send(ctx context.Context, msg collab.Message) error {
	rc.hub.Broadcast(rc.docID, msg)
	return nil
}
