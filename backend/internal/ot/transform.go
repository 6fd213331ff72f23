package ot

import "unicode/utf8"

// Transform 把并发操作 op 改写为 op'，使得在 against 已经生效之后
// 应用 op' 与先应用 op 得到相同的文档状态（OT 的可交换目标）。
// 纯函数：不修改入参，不做任何状态变更（状态都在 Session/History 里）。
//
// 规则：
// - insert vs insert: op.Position >= against.Position 时右移 against 文本长度
// - insert vs delete: op.Position >  against.Position 时左移 against.Length
// - delete vs insert: op.Position >= against.Position 时右移 against 文本长度
// - delete vs delete: op.Position >  against.Position 时左移 against.Length；
//   位置相等时按时间戳裁决——时间戳更大的一方视为已被吸收，两端裁决一致
// - move 不做线性改写（同一条目的两次并发移动没有安全的线性重定位），
//   交给冲突检测按重叠窗口处理
// - 未知组合保守地原样返回，不是错误
func Transform(op, against Operation) Operation {
	switch {
	case op.Type == OpInsert && against.Type == OpInsert:
		if op.Position >= against.Position {
			op.Position += utf8.RuneCountInString(against.Content)
		}

	case op.Type == OpInsert && against.Type == OpDelete:
		if op.Position > against.Position {
			op.Position -= against.Length
		}

	case op.Type == OpDelete && against.Type == OpInsert:
		if op.Position >= against.Position {
			op.Position += utf8.RuneCountInString(against.Content)
		}

	case op.Type == OpDelete && against.Type == OpDelete:
		if op.Position > against.Position {
			op.Position -= against.Length
		} else if op.Position == against.Position {
			if against.Timestamp > op.Timestamp {
				return against
			}
			return op
		}
	}
	return op
}
