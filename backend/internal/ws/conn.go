package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"storyCollab/backend/internal/collab"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   uint64
	username string
	// 出站队列通道，写循环持续消费
	send chan collab.Message
	// 信号量控制：限制同时在途的操作提交
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan collab.Message, 32), sem: sem}
}

func (c *Conn) SendMessage_Enqueue(msg collab.Message) {
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

func (c *Conn) handleOperation(ctx context.Context, msg collab.Message) {
	if msg.Operation == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.SendMessage_Enqueue(collab.Message{Type: "error", DocID: c.docID})
		return
	}
	defer c.sem.Release()

	// 服务端权威盖章：作者以连接身份为准
	op := *msg.Operation
	op.UserID = c.userID

	sess := c.hub.SessionFor(c.docID)
	u, err := sess.Receive(ctx, op)
	if err != nil {
		// 只有编程错误（缺 id）会走到这里
		log.Printf("reject operation (user=%d doc=%s): %v", c.userID, c.docID, err)
		return
	}
	_ = c.hub.Presence().Touch(ctx, c.docID, c.userID)

	if u == nil {
		// 重复投递，已经生效过：恰好一次语义下静默吞掉
		return
	}
	switch u.Status {
	case collab.StatusConflicted:
		// 冲突操作不自动应用也不广播，停放待显式裁决；
		// 裁决接受后由裁决接口负责补广播
		log.Printf("operation parked as conflicted (doc=%s op=%s conflicts=%v)", c.docID, u.ID, u.Conflicts)
	case collab.StatusApplied:
		// 回显给包括来源在内的所有连接：来源端收到自己的 id 即视为送达确认
		c.hub.Broadcast(c.docID, collab.Message{Type: collab.MsgOperation, DocID: c.docID, UserID: op.UserID, Operation: &op})
	case collab.StatusFailed:
		log.Printf("apply failed (doc=%s op=%s): %s", c.docID, u.ID, u.Error)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.cleanup(ctx)
		close(c.send)
	}()
	for {
		var msg collab.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			return
		}
		switch msg.Type {
		case collab.MsgJoin:
			if msg.DocID == "" {
				c.SendMessage_Enqueue(collab.Message{Type: "error"})
				continue
			}
			if c.docID != "" && c.docID != msg.DocID {
				// 动态切换房间：先离开旧房间
				c.leaveRoom(ctx)
			}
			c.docID = msg.DocID

			sess := c.hub.SessionFor(c.docID)
			_, _ = sess.HandleMessage(ctx, collab.Message{Type: collab.MsgUserJoined, UserID: c.userID, UserName: c.username})
			c.hub.Join(c.docID, c)
			if err := c.hub.Presence().AddMember(ctx, c.docID, c.userID, c.username); err != nil {
				log.Printf("add member error: %v", err)
			}

			c.hub.BroadcastExcept(c.docID, c, collab.Message{
				Type: collab.MsgUserJoined, DocID: c.docID, UserID: c.userID, UserName: c.username,
			})
			// 花名册全量同步给新加入的连接
			c.SendMessage_Enqueue(collab.Message{
				Type: collab.MsgUsersList, DocID: c.docID, Users: sess.ActiveUsers(),
			})

		case collab.MsgLeave:
			c.leaveRoom(ctx)

		case collab.MsgOperation:
			if c.docID == "" {
				continue
			}
			c.handleOperation(ctx, msg)

		case collab.MsgCursorUpdate:
			if c.docID == "" {
				continue
			}
			sess := c.hub.SessionFor(c.docID)
			_, _ = sess.HandleMessage(ctx, collab.Message{Type: collab.MsgCursorUpdate, UserID: c.userID, Cursor: msg.Cursor, Selection: msg.Selection})
			if b, err := json.Marshal(msg.Cursor); err == nil {
				_ = c.hub.Presence().SetCursor(ctx, c.docID, c.userID, b)
			}
			_ = c.hub.Presence().Touch(ctx, c.docID, c.userID)
			c.hub.BroadcastExcept(c.docID, c, collab.Message{
				Type: collab.MsgCursorUpdate, DocID: c.docID, UserID: c.userID, Cursor: msg.Cursor, Selection: msg.Selection,
			})

		case collab.MsgTypingStatus:
			if c.docID == "" {
				continue
			}
			sess := c.hub.SessionFor(c.docID)
			_, _ = sess.HandleMessage(ctx, collab.Message{Type: collab.MsgTypingStatus, UserID: c.userID, IsTyping: msg.IsTyping})
			_ = c.hub.Presence().Touch(ctx, c.docID, c.userID)
			c.hub.BroadcastExcept(c.docID, c, collab.Message{
				Type: collab.MsgTypingStatus, DocID: c.docID, UserID: c.userID, IsTyping: msg.IsTyping,
			})

		default:
			// 忽略未知类型
			log.Printf("ignoring message type %q (user=%d)", msg.Type, c.userID)
		}
	}
}

func (c *Conn) leaveRoom(ctx context.Context) {
	if c.docID == "" {
		return
	}
	sess := c.hub.SessionFor(c.docID)
	_, _ = sess.HandleMessage(ctx, collab.Message{Type: collab.MsgUserLeft, UserID: c.userID})
	c.hub.Leave(c.docID, c)
	if err := c.hub.Presence().RemoveMember(ctx, c.docID, c.userID); err != nil {
		log.Printf("remove member error: %v", err)
	}
	c.hub.BroadcastExcept(c.docID, c, collab.Message{Type: collab.MsgUserLeft, DocID: c.docID, UserID: c.userID})
	c.docID = ""
}

func (c *Conn) cleanup(ctx context.Context) {
	c.leaveRoom(ctx)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
