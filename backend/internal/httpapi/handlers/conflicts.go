package handlers

import (
	"github.com/gin-gonic/gin"

	"storyCollab/backend/internal/collab"
	"storyCollab/backend/internal/ws"
)

// 冲突裁决接口：冲突不是错误，是需要用户显式裁决的一等状态。
// 停放的冲突操作在这里列出与裁决（accept / reject / merge）。
type ConflictHandler struct {
	hub *ws.Hub
}

func NewConflictHandler(hub *ws.Hub) *ConflictHandler {
	return &ConflictHandler{hub: hub}
}

// ListConflicts GET /collab/conflicts?docId=...
func (h *ConflictHandler) ListConflicts(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(400, gin.H{"code": "MISSING_DOC_ID", "message": "docId query required"})
		return
	}
	sess := h.hub.SessionFor(docID)
	c.JSON(200, gin.H{"docId": docID, "conflicts": sess.Conflicted()})
}

type resolveRequest struct {
	DocID      string `json:"docId"`
	Resolution string `json:"resolution"` // accept | reject | merge
}

// ResolveConflict POST /collab/conflicts/:opId/resolution
// accept 应用并并入日志后向房间补广播；reject 本地永久丢弃（来源端仍生效）；
// merge 目前与 accept 同义。
func (h *ConflictHandler) ResolveConflict(c *gin.Context) {
	opID := c.Param("opId")
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DocID == "" {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "docId and resolution required"})
		return
	}

	sess := h.hub.SessionFor(req.DocID)
	u, err := sess.ResolveConflict(c.Request.Context(), opID, collab.Resolution(req.Resolution))
	if err != nil {
		switch err {
		case collab.ErrConflictNotFound:
			c.JSON(404, gin.H{"code": "CONFLICT_NOT_FOUND", "message": err.Error()})
		case collab.ErrUnknownResolution:
			c.JSON(400, gin.H{"code": "UNKNOWN_RESOLUTION", "message": err.Error()})
		default:
			c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
		}
		return
	}

	if u.Status == collab.StatusApplied {
		// 裁决接受的操作此前没广播过，这里补发给房间
		for i := range u.Ops {
			op := u.Ops[i]
			h.hub.Broadcast(req.DocID, collab.Message{
				Type: collab.MsgOperation, DocID: req.DocID, UserID: op.UserID, Operation: &op,
			})
		}
	}
	c.JSON(200, gin.H{"docId": req.DocID, "opId": opID, "resolution": req.Resolution, "status": u.Status})
}
