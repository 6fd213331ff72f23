package collab

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 两缓冲区 + piece 表的文本缓冲：
// original 只读保存初始内容，所有插入追加到 add，
// piece 表按顺序描述文档由哪些片段拼成。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var res string
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			res += string(pt.original[p.offset : p.offset+p.length])
		case bufAdd:
			res += string(pt.add[p.offset : p.offset+p.length])
		}
	}
	return res
}

// Insert 在逻辑位置 pos 插入文本：文本追加进 add 缓冲区，
// 命中的 piece 拆成 左 / 新 / 右 三段（空段丢弃）
func (pt *PieceTable) Insert(pos int, text string) error {
	if pos < 0 || pos > pt.Len() {
		return ErrPositionOutOfRange
	}
	newRunes := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, newRunes...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(newRunes)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return nil
	}

	cur := pt.pieces[idx]
	leftPiece := piece{buf: cur.buf, offset: cur.offset, length: offset}
	rightPiece := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if leftPiece.length > 0 {
		newPieces = append(newPieces, leftPiece)
	}
	newPieces = append(newPieces, newPiece)
	if rightPiece.length > 0 {
		newPieces = append(newPieces, rightPiece)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return nil
}

// Delete 从逻辑位置 pos 起删除 length 个 rune，
// 跨 piece 时逐段消化（整段删掉或拆成左右两段）
func (pt *PieceTable) Delete(pos, length int) error {
	if pos < 0 || length < 0 || pos+length > pt.Len() {
		return ErrPositionOutOfRange
	}
	remain := length
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		// 这个 piece 里还剩多少可删
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}

		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 都删掉，idx 不动（此位置已是下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			offset = 0
		} else {
			// 只删中间一段：拆成 左 / 右 两段
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{
					buf:    cur.buf,
					offset: cur.offset,
					length: leftLen,
				})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{
					buf:    cur.buf,
					offset: cur.offset + offset + take,
					length: rightLen,
				})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
		}

		remain -= take
	}
	return nil
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
