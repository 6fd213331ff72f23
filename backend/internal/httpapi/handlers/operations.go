package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"storyCollab/backend/internal/store"
)

// 默认/最大单次追平条数
const (
	defaultOpsLimit = 200
	maxOpsLimit     = 1000
)

// 重连追平接口：有界内存日志只留尾巴，更早的操作从归档里按
// 时间戳窗口捞（客户端带上自己最后见到的 timestamp）。
type OperationHandler struct {
	archive *store.ArchiveStore
}

func NewOperationHandler(archive *store.ArchiveStore) *OperationHandler {
	return &OperationHandler{archive: archive}
}

// ListOpsSince GET /collab/ops?docId=...&since=<epoch ms>&limit=...
func (h *OperationHandler) ListOpsSince(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(400, gin.H{"code": "MISSING_DOC_ID", "message": "docId query required"})
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(400, gin.H{"code": "BAD_SINCE", "message": "since must be a non-negative epoch ms"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultOpsLimit)))
	if err != nil || limit <= 0 || limit > maxOpsLimit {
		limit = defaultOpsLimit
	}

	recs, err := h.archive.OpsSince(c.Request.Context(), docID, since, limit)
	if err != nil {
		c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(200, gin.H{"docId": docID, "since": since, "operations": recs})
}
