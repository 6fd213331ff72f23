package ot

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpFormat OpType = "format"
	OpMove   OpType = "move"
	OpBatch  OpType = "batch"
)

// Operation 一次变更的规范形态。
// - 文档编辑（insert/delete/format）：Position 为线性 rune 偏移
// - 看板编辑（move）：(Container, Index) 二元组定位
// ID 由客户端生成，全局唯一且不可变，是各端去重的唯一依据。
type Operation struct {
	ID   string `json:"id"`
	Type OpType `json:"type"`

	Position int `json:"position"`
	// delete 删除的长度（rune 数）
	Length int `json:"length,omitempty"`
	// insert 插入的文本
	Content string `json:"content,omitempty"`
	// format 的样式属性（粗体/颜色等）
	Attributes map[string]any `json:"attributes,omitempty"`

	// move 的源/目标容器与下标
	Container       string `json:"container,omitempty"`
	Index           int    `json:"index,omitempty"`
	TargetContainer string `json:"targetContainer,omitempty"`
	TargetIndex     int    `json:"targetIndex,omitempty"`

	// batch 的子操作序列
	Ops []Operation `json:"ops,omitempty"`

	// 被触及的实体/场景 id，随操作一起传输，供冲突重叠检测使用
	AffectedItems []string `json:"affectedItems,omitempty"`

	UserID uint64 `json:"userId"`
	// 客户端本地单调毫秒时间戳。只保证同一客户端内递增，
	// 跨客户端比较仅用于近似排序与平局裁决，不是墙钟安全的。
	Timestamp int64 `json:"timestamp"`
}

// NewOperationID 生成 origin_timestamp_random 形式的操作 id
func NewOperationID(origin string, timestamp int64) string {
	return fmt.Sprintf("%s_%d_%08x", origin, timestamp, rand.Uint32())
}

// Clock 每客户端单调毫秒时钟。墙钟回拨时按 last+1 递增，保证
// 同一客户端发出的操作时间戳严格递增（本地因果序依赖这一点）。
type Clock struct {
	mu   sync.Mutex
	last int64
}

func NewClock() *Clock { return &Clock{} }

func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := time.Now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}
