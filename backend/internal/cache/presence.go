package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 两档存活阈值：30s 内算"活跃"（在线指示），60s 内算"在场"（花名册成员）
const (
	ActiveTTL  = 30 * time.Second
	PresentTTL = 60 * time.Second
	CursorTTL  = 60 * time.Second
)

type PresenceMember struct {
	UserID   uint64
	Username string
}

type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string) error
	Touch(ctx context.Context, docID string, userID uint64) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetActiveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	// PurgeExpired 清退在场键已过期的成员，返回清退的 userId
	PurgeExpired(ctx context.Context, docID string) ([]uint64, error)
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte) error
	GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string) error {
	pipe := p.rdb.Pipeline()
	// 为房间添加成员
	pipe.SAdd(ctx, roomKey(docID), userID)
	// 两档心跳键一起续
	pipe.Set(ctx, activeKey(docID, userID), "1", ActiveTTL)
	pipe.Set(ctx, memberKey(docID, userID), "1", PresentTTL)
	// 为房间添加名字表(哈希)
	pipe.HSet(ctx, namesKey(docID), userID, username)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch 任何动静（光标/输入/操作）都续两档心跳
func (p *redisPresence) Touch(ctx context.Context, docID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, activeKey(docID, userID), "1", ActiveTTL)
	pipe.Set(ctx, memberKey(docID, userID), "1", PresentTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.Del(ctx, activeKey(docID, userID))
	pipe.Del(ctx, memberKey(docID, userID))
	pipe.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	pipe.Del(ctx, cursorKey(docID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetActiveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: get members
	userIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// step2: 管道批量检查活跃键 TTL 是否仍存活
	existscmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		uid, err := strconv.ParseUint(userID, 10, 64)
		if err != nil {
			return nil, err
		}
		existscmds = append(existscmds, pipe.Exists(ctx, activeKey(docID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	// redis 中活跃键还在的用户就是 30s 内有动静的用户
	aliveIDs := make([]uint64, 0, len(userIDs))
	aliveKeyFields := make([]string, 0, len(userIDs))
	for i, cmd := range existscmds {
		if cmd.Val() == 1 {
			uid, err := strconv.ParseUint(userIDs[i], 10, 64)
			if err != nil {
				return nil, err
			}
			aliveIDs = append(aliveIDs, uid)
			aliveKeyFields = append(aliveKeyFields, userIDs[i])
		}
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: get names
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveKeyFields...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}

func (p *redisPresence) PurgeExpired(ctx context.Context, docID string) ([]uint64, error) {
	userIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	existscmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		uid, err := strconv.ParseUint(userID, 10, 64)
		if err != nil {
			return nil, err
		}
		existscmds = append(existscmds, pipe.Exists(ctx, memberKey(docID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var purged []uint64
	rm := p.rdb.Pipeline()
	for i, cmd := range existscmds {
		if cmd.Val() == 0 {
			uid, err := strconv.ParseUint(userIDs[i], 10, 64)
			if err != nil {
				return nil, err
			}
			purged = append(purged, uid)
			rm.SRem(ctx, roomKey(docID), uid)
			rm.HDel(ctx, namesKey(docID), userIDs[i])
			rm.Del(ctx, cursorKey(docID, uid))
		}
	}
	if len(purged) > 0 {
		if _, err := rm.Exec(ctx); err != nil {
			return purged, err
		}
	}
	return purged, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, CursorTTL).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
}
