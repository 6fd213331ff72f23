package cache

import "fmt"

// 键语义：
// - roomKey(docID):           房间候选成员集合（Set<userId>）
// - activeKey(docID,userID):  活跃键（String，占位"1"，30s TTL，在线指示用）
// - memberKey(docID,userID):  在场键（String，占位"1"，60s TTL，花名册成员资格）
// - namesKey(docID):          房间内 userId→username 映射（Hash）
// - cursorKey(docID,userID):  成员光标/选区 JSON（String，带 TTL）
//
// 两档存活语义：活跃键过期只是不再"活跃"，在场键也过期才从花名册清退

const (
	keyRoomFmt   = "presence:room:%s"       // Set<userId>
	keyActiveFmt = "presence:active:%s:%d"  // String "1" with 30s TTL
	keyMemberFmt = "presence:member:%s:%d"  // String "1" with 60s TTL
	keyNamesFmt  = "presence:room:names:%s" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%d"  // String JSON with TTL
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func activeKey(docID string, userID uint64) string { return fmt.Sprintf(keyActiveFmt, docID, userID) }
func memberKey(docID string, userID uint64) string { return fmt.Sprintf(keyMemberFmt, docID, userID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
