package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"storyCollab/backend/internal/collab"
)

// OperationRecord 有界历史驱逐出去的日志条目落库存档。
// 文档内容本身不在这里存（由外部系统负责），只存操作日志尾巴，
// 供重连追平与审计查询。
type OperationRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OpID      string `gorm:"size:128;uniqueIndex"`
	DocID     string `gorm:"size:64;index:idx_doc_ts,priority:1"`
	UserID    uint64
	Origin    string `gorm:"size:8"`
	Status    string `gorm:"size:16"`
	Timestamp int64  `gorm:"index:idx_doc_ts,priority:2"`
	// 操作序列 JSON
	Ops       string `gorm:"type:text"`
	CreatedAt time.Time
}

// ResolutionRecord 冲突裁决审计
type ResolutionRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocID      string `gorm:"size:64;index"`
	OpID       string `gorm:"size:128;index"`
	Resolution string `gorm:"size:8"`
	AuthorID   uint64
	CreatedAt  time.Time
}

type ArchiveStore struct{ db *gorm.DB }

func NewArchiveStore(db *gorm.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// SaveEvicted 归档一条被驱逐的日志条目。op id 唯一，
// 重复归档（同条目两端驱逐等）按成功处理。
func (s *ArchiveStore) SaveEvicted(ctx context.Context, docID string, u *collab.UndoableOperation) error {
	ops, err := json.Marshal(u.Ops)
	if err != nil {
		return err
	}
	rec := OperationRecord{
		OpID:      u.ID,
		DocID:     docID,
		UserID:    u.UserID,
		Origin:    string(u.Origin),
		Status:    string(u.Status),
		Timestamp: u.Timestamp,
		Ops:       string(ops),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// OpsSince 返回某文档指定时间戳之后的归档操作（重连追平用）
func (s *ArchiveStore) OpsSince(ctx context.Context, docID string, fromTimestamp int64, limit int) ([]OperationRecord, error) {
	var out []OperationRecord
	q := s.db.WithContext(ctx).
		Where("doc_id = ? AND timestamp > ?", docID, fromTimestamp).
		Order("timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ArchiveStore) SaveResolution(ctx context.Context, docID, opID, resolution string, authorID uint64) error {
	rec := ResolutionRecord{
		DocID:      docID,
		OpID:       opID,
		Resolution: resolution,
		AuthorID:   authorID,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}
