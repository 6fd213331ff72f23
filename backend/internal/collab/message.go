package collab

import "storyCollab/backend/internal/ot"

// 消息通道协议（JSON，双向通道上传输）：
// - join / leave:            本端进出文档
// - user_joined / user_left: 对端进出通知
// - operation:               完整 Operation（双向）
// - cursor_update:           光标位置（双向）
// - typing_status:           输入状态（双向）
// - users_list:              花名册全量同步（入站）
const (
	MsgJoin         = "join"
	MsgLeave        = "leave"
	MsgUserJoined   = "user_joined"
	MsgUserLeft     = "user_left"
	MsgOperation    = "operation"
	MsgCursorUpdate = "cursor_update"
	MsgTypingStatus = "typing_status"
	MsgUsersList    = "users_list"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CollaborationUser 花名册条目。LastActivity 为 epoch 毫秒，
// 30s 内算"活跃"（光标/在线指示用），超过 60s 从花名册整体清除。
type CollaborationUser struct {
	ID           uint64     `json:"id"`
	Name         string     `json:"name"`
	Avatar       string     `json:"avatar,omitempty"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	IsTyping     bool       `json:"isTyping"`
	LastActivity int64      `json:"lastActivity"`
}

// Message 通道消息信封。协议结构放在 collab 而不是具体传输层，
// 传输实现（WebSocket 或其他）只负责编解码与投递。
type Message struct {
	Type      string              `json:"type"`
	DocID     string              `json:"docId,omitempty"`
	UserID    uint64              `json:"userId,omitempty"`
	UserName  string              `json:"userName,omitempty"`
	Avatar    string              `json:"avatar,omitempty"`
	Operation *ot.Operation       `json:"operation,omitempty"`
	Cursor    *Cursor             `json:"cursor,omitempty"`
	Selection *Selection          `json:"selection,omitempty"`
	IsTyping  bool                `json:"isTyping,omitempty"`
	Users     []CollaborationUser `json:"users,omitempty"`
}
